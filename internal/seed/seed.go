// Package seed loads the repair catalog used for manual testing and demos.
package seed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"imobilerepair/internal/domain"
)

// ProductWriter is the subset of the catalog repository the seeder needs.
type ProductWriter interface {
	Upsert(ctx context.Context, product domain.Product) (*domain.Product, error)
}

// DefaultProducts is the demo catalog of repair services.
func DefaultProducts() []domain.Product {
	return []domain.Product{
		{Key: "iphone-13-screen", Title: "iPhone 13 Screen Replacement", PriceCents: 12900, Currency: "eur"},
		{Key: "iphone-13-battery", Title: "iPhone 13 Battery Replacement", PriceCents: 6900, Currency: "eur"},
		{Key: "iphone-charging-port", Title: "iPhone Charging Port Repair", PriceCents: 4900, Currency: "eur"},
		{Key: "ipad-glass", Title: "iPad Glass Replacement", PriceCents: 9900, Currency: "eur"},
		{Key: "diagnostics", Title: "Device Diagnostics", PriceCents: 1500, Currency: "eur"},
	}
}

// Apply upserts the given products by key and returns how many were written. It is idempotent.
func Apply(ctx context.Context, w ProductWriter, products []domain.Product) (int, error) {
	n := 0
	for _, p := range products {
		if err := validate(p); err != nil {
			return n, err
		}
		if _, err := w.Upsert(ctx, p); err != nil {
			return n, fmt.Errorf("upsert product %q: %w", p.Key, err)
		}
		n++
	}
	return n, nil
}

// ReadCSV parses a catalog export with the columns key, title, price and currency.
// Price is a decimal amount in major units, e.g. "129.00". Rows without a key are skipped.
func ReadCSV(r io.Reader) ([]domain.Product, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // rows may have trailing commas

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read headers: %w", err)
	}
	index := headerIndex(headers)
	for _, col := range []string{"key", "title", "price"} {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var out []domain.Product
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		key := pick(record, index, "key")
		if key == "" {
			continue
		}
		price, err := decimal.NewFromString(pick(record, index, "price"))
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid price for %q: %w", line, key, err)
		}
		currency := pick(record, index, "currency")
		if currency == "" {
			currency = "eur"
		}
		out = append(out, domain.Product{
			Key:        key,
			Title:      pick(record, index, "title"),
			PriceCents: domain.ToCents(price),
			Currency:   domain.NormalizeCurrency(currency),
		})
	}
	return out, nil
}

func validate(p domain.Product) error {
	if p.Key == "" || strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("invalid product %q: key and title required", p.Key)
	}
	if p.PriceCents < 0 {
		return fmt.Errorf("invalid product %q: negative price", p.Key)
	}
	if !domain.SupportedCurrency(p.Currency) {
		return fmt.Errorf("invalid product %q: unsupported currency %q", p.Key, p.Currency)
	}
	return nil
}

func headerIndex(headers []string) map[string]int {
	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx
}

func pick(record []string, index map[string]int, key string) string {
	pos, ok := index[key]
	if !ok || pos >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[pos])
}
