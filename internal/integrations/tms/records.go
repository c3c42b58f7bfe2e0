package tms

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FlexString accepts a JSON string, number or null. Report templates are not
// consistent about quoting identifiers.
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = FlexString(n.String())
	return nil
}

func (s FlexString) String() string { return string(s) }

// ManifestRecord is one flat row of the manifest report.
type ManifestRecord struct {
	ManifestID     int64       `json:"mft_id"`
	SequenceCode   FlexString  `json:"sequence_code"`
	DriverDocument FlexString  `json:"mft_mdr_iil_document"`
	DriverName     *string     `json:"mft_mdr_iil_name,omitempty"`
	BranchName     *string     `json:"mft_crn_psn_nickname,omitempty"`
	AccessKey      *FlexString `json:"mft_fis_fit_fis_ioe_key,omitempty"`
}

type OccurrenceListRequest struct {
	ResourceID int64  `json:"resource_id"`
	Per        int    `json:"per"`
	Start      string `json:"start,omitempty"`
}

type InvoiceRef struct {
	Key    FlexString `json:"key"`
	Number FlexString `json:"number"`
}

type OccurrenceRecord struct {
	Invoice         InvoiceRef `json:"invoice"`
	Code            *int       `json:"code,omitempty"`
	OccurrenceAt    *time.Time `json:"occurrence_at,omitempty"`
	Comments        *string    `json:"comments,omitempty"`
	ManifestEventID *int64     `json:"manifest_event_id,omitempty"`
}

type Paging struct {
	NextID FlexString `json:"next_id"`
}

type OccurrencePage struct {
	Data   []OccurrenceRecord `json:"data"`
	Paging *Paging            `json:"paging,omitempty"`
}

// NextCursor returns the cursor for the following page, or "" on the last one.
func (p OccurrencePage) NextCursor() string {
	if p.Paging == nil {
		return ""
	}
	return strings.TrimSpace(p.Paging.NextID.String())
}

// InvoiceDetailRecord is one row of the invoice report. Every descriptive
// field is optional; the report leaves them out rather than sending blanks.
type InvoiceDetailRecord struct {
	AccessKey           FlexString  `json:"mft_fis_fit_fis_ioe_key"`
	Number              FlexString  `json:"mft_fis_fit_fis_ioe_number"`
	RecipientName       *string     `json:"mft_fis_fit_fis_ioe_rpt_name,omitempty"`
	AddressLine         *string     `json:"mft_fis_fit_fis_ioe_rpt_mds_line_1,omitempty"`
	AddressNumber       *FlexString `json:"mft_fis_fit_fis_ioe_rpt_mds_number,omitempty"`
	AddressNeighborhood *string     `json:"mft_fis_fit_fis_ioe_rpt_mds_neighborhood,omitempty"`
	AddressPostalCode   *FlexString `json:"mft_fis_fit_fis_ioe_rpt_mds_postal_code,omitempty"`
}

// Recipient returns the trimmed recipient name and whether one was sent.
func (r InvoiceDetailRecord) Recipient() (string, bool) {
	if r.RecipientName == nil {
		return "", false
	}
	v := strings.TrimSpace(*r.RecipientName)
	return v, v != ""
}

// Address formats the delivery address as "street, number | Bairro: x | CEP: y",
// dropping the parts the report did not send.
func (r InvoiceDetailRecord) Address() (string, bool) {
	var parts []string

	street := strings.TrimSpace(deref(r.AddressLine))
	if n := strings.TrimSpace(derefFlex(r.AddressNumber)); n != "" {
		if street != "" {
			street += ", " + n
		} else {
			street = n
		}
	}
	if street != "" {
		parts = append(parts, street)
	}
	if v := strings.TrimSpace(deref(r.AddressNeighborhood)); v != "" {
		parts = append(parts, "Bairro: "+v)
	}
	if v := strings.TrimSpace(derefFlex(r.AddressPostalCode)); v != "" {
		parts = append(parts, "CEP: "+v)
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " | "), true
}

type ConfirmationInvoice struct {
	Key      string `json:"key"`
	Number   string `json:"number"`
	PhotoURL string `json:"photo_url"`
}

type ConfirmationFreight struct {
	PhotoURL string `json:"photo_url"`
}

// ConfirmationPayload is the body of the confirmation push call.
type ConfirmationPayload struct {
	Receiver       string               `json:"receiver"`
	Document       string               `json:"document"`
	Comments       string               `json:"comments"`
	OccurrenceAt   string               `json:"occurrence_at"`
	OccurrenceCode int                  `json:"occurrence_code"`
	Latitude       *decimal.Decimal     `json:"latitude,omitempty"`
	Longitude      *decimal.Decimal     `json:"longitude,omitempty"`
	Invoice        ConfirmationInvoice  `json:"invoice"`
	Freight        *ConfirmationFreight `json:"freight,omitempty"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFlex(s *FlexString) string {
	if s == nil {
		return ""
	}
	return s.String()
}
