package models

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// WorkItem is a stable-id batch of source document keys processed as a unit
// by one worker. The hash is a pure function of the member set, so repeated
// queue population never reshuffles existing assignments.
type WorkItem struct {
	Hash    string
	Members []string
}

// NewWorkItem computes the stable hash over the sorted member keys.
func NewWorkItem(members []string) WorkItem {
	sorted := make([]string, len(members))
	copy(sorted, members)
	sort.Strings(sorted)

	h := sha1.New()
	h.Write([]byte(strings.Join(sorted, ",")))
	return WorkItem{
		Hash:    hex.EncodeToString(h.Sum(nil)),
		Members: sorted,
	}
}

// PageResponse is the structured extraction the model embeds in its reply
// text for a single page.
type PageResponse struct {
	PrimaryLanguage    string  `json:"primary_language"`
	IsRotationValid    bool    `json:"is_rotation_valid"`
	RotationCorrection int     `json:"rotation_correction"`
	IsTable            bool    `json:"is_table"`
	IsDiagram          bool    `json:"is_diagram"`
	NaturalText        *string `json:"natural_text"`
}

// PageResult is the immutable outcome of one successfully extracted page.
type PageResult struct {
	Source       string
	PageNum      int // 1-based
	Response     PageResponse
	InputTokens  int
	OutputTokens int
}

// PageSpan is the half-open character range [Start, End) in the assembled
// document text contributed by one page. It marshals as [start, end, page]
// to keep the artifact format stable for downstream converters.
type PageSpan struct {
	Start   int
	End     int
	PageNum int
}

func (s PageSpan) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{s.Start, s.End, s.PageNum})
}

func (s *PageSpan) UnmarshalJSON(data []byte) error {
	var arr [3]int
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("page span must be a [start, end, page] triple: %w", err)
	}
	s.Start, s.End, s.PageNum = arr[0], arr[1], arr[2]
	return nil
}

// DocumentMetadata is the metadata block of an emitted document record.
type DocumentMetadata struct {
	SourceFile        string `json:"Source-File"`
	PDFTotalPages     int    `json:"pdf-total-pages"`
	TotalInputTokens  int    `json:"total-input-tokens"`
	TotalOutputTokens int    `json:"total-output-tokens"`
}

// DocumentAttributes carries the per-page offset spans of a document record.
type DocumentAttributes struct {
	PDFPageNumbers []PageSpan `json:"pdf_page_numbers"`
}

// DocumentRecord is the per-source record serialized to the output JSONL
// artifact: full assembled text, page offset spans, and token accounting.
type DocumentRecord struct {
	ID         string             `json:"id"`
	Text       string             `json:"text"`
	Source     string             `json:"source"`
	Added      string             `json:"added"`
	Created    string             `json:"created"`
	Metadata   DocumentMetadata   `json:"metadata"`
	Attributes DocumentAttributes `json:"attributes"`
}

// TextHash returns the content hash used as a document record id.
func TextHash(text string) string {
	h := sha1.Sum([]byte(text))
	return hex.EncodeToString(h[:])
}
