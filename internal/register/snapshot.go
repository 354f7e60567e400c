package register

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is the snapshot layout written by this build.
const SchemaVersion = 2

// DataSource records where snapshot figures came from.
type DataSource string

const (
	DataSourceRegister      DataSource = "register_integration"
	DataSourceFallbackEmpty DataSource = "fallback_empty"
)

// Direction describes the sign of the VAT net position.
type Direction string

const (
	DirectionPayable    Direction = "payable"
	DirectionReceivable Direction = "receivable"
	DirectionZero       Direction = "zero"
)

// DirectionOf classifies a net amount.
func DirectionOf(net decimal.Decimal) Direction {
	switch net.Sign() {
	case 1:
		return DirectionPayable
	case -1:
		return DirectionReceivable
	default:
		return DirectionZero
	}
}

// Meta carries snapshot provenance and diagnostics.
type Meta struct {
	DataSource  DataSource `json:"data_source"`
	GeneratedAt time.Time  `json:"generated_at"`
	GeneratedBy string     `json:"generated_by"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	Warnings    []string   `json:"warnings,omitempty"`
}

// Snapshot is the persisted summary of a period's registers.
type Snapshot struct {
	SchemaVersion         int             `json:"schema_version"`
	Meta                  Meta            `json:"meta"`
	Company               string          `json:"company"`
	DateFrom              string          `json:"date_from"`
	DateTo                string          `json:"date_to"`
	VerificationStatus    string          `json:"verification_status"`
	InputInvoiceCount     int             `json:"input_invoice_count"`
	OutputInvoiceCount    int             `json:"output_invoice_count"`
	WithholdingEntryCount int             `json:"withholding_entry_count"`
	InputDPPTotal         decimal.Decimal `json:"input_dpp_total"`
	OutputDPPTotal        decimal.Decimal `json:"output_dpp_total"`
	InputVATTotal         decimal.Decimal `json:"input_vat_total"`
	OutputVATTotal        decimal.Decimal `json:"output_vat_total"`
	VATNet                decimal.Decimal `json:"vat_net"`
	VATNetDirection       Direction       `json:"vat_net_direction"`
	WithholdingTotal      decimal.Decimal `json:"withholding_total"`
	WithholdingByAccount  []AccountTotal  `json:"withholding_by_account"`
	PB1Total              decimal.Decimal `json:"pb1_total"`
}

// IsFallback reports whether the snapshot was zero-filled after a failure.
func (s *Snapshot) IsFallback() bool {
	return s != nil && s.Meta.DataSource == DataSourceFallbackEmpty
}

// Totals are the closing figures taken from a snapshot.
type Totals struct {
	InputVAT    decimal.Decimal
	OutputVAT   decimal.Decimal
	VATNet      decimal.Decimal
	Withholding decimal.Decimal
	PB1         decimal.Decimal
}

// Totals extracts the closing figures.
func (s *Snapshot) Totals() Totals {
	if s == nil {
		return Totals{InputVAT: decimal.Zero, OutputVAT: decimal.Zero, VATNet: decimal.Zero, Withholding: decimal.Zero, PB1: decimal.Zero}
	}
	return Totals{
		InputVAT:    s.InputVATTotal,
		OutputVAT:   s.OutputVATTotal,
		VATNet:      s.OutputVATTotal.Sub(s.InputVATTotal),
		Withholding: s.WithholdingTotal,
		PB1:         s.PB1Total,
	}
}

// Encode serialises the snapshot for storage.
func (s Snapshot) Encode() ([]byte, error) {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
	return json.Marshal(s)
}

// DecodeSnapshot parses a stored snapshot. Documents written before the
// schema_version tag existed decode as version 1 and are upgraded in memory.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("register: decode snapshot: %w", err)
	}
	if snap.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("register: snapshot schema %d is newer than supported %d", snap.SchemaVersion, SchemaVersion)
	}
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = 1
	}
	if snap.SchemaVersion < 2 {
		upgradeV1(&snap)
	}
	return &snap, nil
}

// upgradeV1 fills fields introduced in version 2.
func upgradeV1(s *Snapshot) {
	if s.Meta.DataSource == "" {
		if s.Meta.Error != "" {
			s.Meta.DataSource = DataSourceFallbackEmpty
		} else {
			s.Meta.DataSource = DataSourceRegister
		}
	}
	s.VATNet = s.OutputVATTotal.Sub(s.InputVATTotal)
	s.VATNetDirection = DirectionOf(s.VATNet)
	if s.WithholdingByAccount == nil {
		s.WithholdingByAccount = []AccountTotal{}
	}
}
