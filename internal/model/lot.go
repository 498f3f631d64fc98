package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// CanonicalLot is the system-of-record quantity of one lot of a product at a location.
type CanonicalLot struct {
	ID             int64     `json:"id"`
	ProductCode    string    `json:"product_code"`
	LotNumber      string    `json:"lot_number"`
	LocationID     int64     `json:"location_id"`
	QuantityOnHand int       `json:"quantity_on_hand"`
	ExpiryDate     string    `json:"expiry_date"`
	Active         bool      `json:"active"`
	LastIngestedAt time.Time `json:"last_ingested_at"`
}

// LotEntry is one normalized counted lot inside a reconciled item.
type LotEntry struct {
	LotNumber             string `json:"lot_number"`
	CountedQuantity       int    `json:"counted_quantity"`
	ExpiryDate            string `json:"expiry_date"`
	NonconformingQuantity int    `json:"nonconforming_quantity"`
}

// RealQuantity is the usable quantity after rejected units are deducted.
func (e LotEntry) RealQuantity() int {
	return max(0, e.CountedQuantity-e.NonconformingQuantity)
}

// FlexInt decodes a JSON number or a numeric string. Null and "" decode to 0.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		return f.parse(num.String())
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("invalid quantity %s", data)
	}
	return f.parse(str)
}

func (f *FlexInt) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	if i, err := strconv.Atoi(s); err == nil {
		*f = FlexInt(i)
		return nil
	}
	// Whole-number floats such as "5.0" are accepted, fractions are truncated.
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || v >= float64(math.MaxInt) || v <= float64(math.MinInt) {
		return fmt.Errorf("invalid quantity %q", s)
	}
	*f = FlexInt(int(v))
	return nil
}

// LotInput is one lot as submitted by a client, before normalization.
type LotInput struct {
	LotNumber             string  `json:"lot_number"`
	CountedQuantity       FlexInt `json:"counted_quantity"`
	ExpiryDate            string  `json:"expiry_date"`
	NonconformingQuantity FlexInt `json:"nonconforming_quantity"`
}

// LotBreakdown is the submitted lot list. Older clients send a single lot
// number as a plain string instead of a list.
type LotBreakdown struct {
	Entries []LotInput
	// Legacy holds the lot number when the client sent a plain string.
	Legacy   string
	IsLegacy bool
}

// LegacyLot builds a breakdown from a single lot number.
func LegacyLot(lotNumber string) LotBreakdown {
	return LotBreakdown{Legacy: lotNumber, IsLegacy: true}
}

// Lots builds a structured breakdown.
func Lots(entries ...LotInput) LotBreakdown {
	return LotBreakdown{Entries: entries}
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *LotBreakdown) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*b = LotBreakdown{}
		return nil
	}

	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		*b = LegacyLot(legacy)
		return nil
	}

	var entries []LotInput
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("lots must be a list of lots or a lot number: %w", err)
	}
	*b = Lots(entries...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (b LotBreakdown) MarshalJSON() ([]byte, error) {
	if b.IsLegacy {
		return json.Marshal(b.Legacy)
	}
	if b.Entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(b.Entries)
}

// Normalize returns the cleaned lot list. Entries without a lot number are
// dropped, quantities are clamped to zero and expiry dates are trimmed and,
// when they parse, rewritten as YYYY-MM-DD. A legacy single-lot breakdown
// becomes one entry counting legacyQuantity units.
func (b LotBreakdown) Normalize(legacyQuantity int) []LotEntry {
	if b.IsLegacy {
		lot := strings.TrimSpace(b.Legacy)
		if lot == "" {
			return nil
		}
		return []LotEntry{{LotNumber: lot, CountedQuantity: max(0, legacyQuantity)}}
	}

	var out []LotEntry
	for _, in := range b.Entries {
		lot := strings.TrimSpace(in.LotNumber)
		if lot == "" {
			continue
		}
		out = append(out, LotEntry{
			LotNumber:             lot,
			CountedQuantity:       max(0, int(in.CountedQuantity)),
			ExpiryDate:            NormalizeExpiry(in.ExpiryDate),
			NonconformingQuantity: max(0, int(in.NonconformingQuantity)),
		})
	}
	return out
}

// expiryLayout is the canonical stored expiry format.
const expiryLayout = "2006-01-02"

var expiryInputLayouts = []string{
	expiryLayout,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"2006-1-2",
	"2006/1/2",
}

func parseExpiry(s string) (time.Time, bool) {
	for _, layout := range expiryInputLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeExpiry trims an expiry date and rewrites recognised layouts as
// YYYY-MM-DD. Unrecognised text is kept as typed.
func NormalizeExpiry(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if t, ok := parseExpiry(s); ok {
		return t.Format(expiryLayout)
	}
	return s
}

// ExpiryBefore orders two non-blank expiry dates. Dates compare as calendar
// dates when both parse and as strings otherwise.
func ExpiryBefore(a, b string) bool {
	ta, okA := parseExpiry(strings.TrimSpace(a))
	tb, okB := parseExpiry(strings.TrimSpace(b))
	if okA && okB {
		return ta.Before(tb)
	}
	return a < b
}
