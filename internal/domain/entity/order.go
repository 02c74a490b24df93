package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeliveryDateLayouts are tried in order when parsing delivery dates
var DeliveryDateLayouts = []string{"02/01/2006", "2006-01-02"}

// ErrNoDeliveryDate is returned when no delivery date in a record parses
var ErrNoDeliveryDate = errors.New("no parseable delivery date")

// Amount is a numeric field that upstream extraction emits either as a JSON
// number or as a string
type Amount string

// UnmarshalJSON accepts numbers, strings and null
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount must be a number or string: %w", err)
	}
	*a = Amount(n.String())
	return nil
}

// MarshalJSON writes the amount back as a string
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// Float parses the amount, accepting a comma as decimal separator
func (a Amount) Float() (float64, error) {
	s := strings.ReplaceAll(string(a), ",", ".")
	return strconv.ParseFloat(s, 64)
}

// String returns the amount as typed into the ERP
func (a Amount) String() string {
	return string(a)
}

// Buyer identifies the purchasing company
type Buyer struct {
	NIT    string `json:"nit"`
	Nombre string `json:"nombre,omitempty"`
}

// LineItem is one ordered product row
type LineItem struct {
	Codigo         string `json:"codigo"`
	Descripcion    string `json:"descripcion,omitempty"`
	Cantidad       Amount `json:"cantidad"`
	PrecioUnitario Amount `json:"precio_unitario"`
	PrecioTotal    Amount `json:"precio_total"`
	FechaEntrega   string `json:"fecha_entrega,omitempty"`
}

// PurchaseOrder is the structured record produced by upstream extraction
type PurchaseOrder struct {
	Comprador      Buyer      `json:"comprador"`
	OrdenCompra    string     `json:"orden_compra"`
	FechaEntrega   string     `json:"fecha_entrega"`
	FechaDocumento string     `json:"fecha_documento,omitempty"`
	FechaOrden     string     `json:"fecha_orden,omitempty"`
	Items          []LineItem `json:"items"`
}

// ParsePurchaseOrder decodes an input record
func ParsePurchaseOrder(data []byte) (*PurchaseOrder, error) {
	var po PurchaseOrder
	if err := json.Unmarshal(data, &po); err != nil {
		return nil, fmt.Errorf("failed to decode purchase order: %w", err)
	}
	return &po, nil
}

// MissingFieldError reports a required key absent from the record
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// RequireBuyerNIT returns the buyer identifier or a MissingFieldError
func (po *PurchaseOrder) RequireBuyerNIT() (string, error) {
	if po == nil || strings.TrimSpace(po.Comprador.NIT) == "" {
		return "", &MissingFieldError{Field: "comprador.nit"}
	}
	return strings.TrimSpace(po.Comprador.NIT), nil
}

// RequireOrderNumber returns the purchase-order number or a MissingFieldError
func (po *PurchaseOrder) RequireOrderNumber() (string, error) {
	if po == nil || strings.TrimSpace(po.OrdenCompra) == "" {
		return "", &MissingFieldError{Field: "orden_compra"}
	}
	return strings.TrimSpace(po.OrdenCompra), nil
}

// RequireItems validates that every line item carries code, quantity and unit price
func (po *PurchaseOrder) RequireItems() ([]LineItem, error) {
	if po == nil || len(po.Items) == 0 {
		return nil, &MissingFieldError{Field: "items"}
	}
	for i, item := range po.Items {
		switch {
		case strings.TrimSpace(item.Codigo) == "":
			return nil, &MissingFieldError{Field: fmt.Sprintf("items[%d].codigo", i)}
		case item.Cantidad == "":
			return nil, &MissingFieldError{Field: fmt.Sprintf("items[%d].cantidad", i)}
		case item.PrecioUnitario == "":
			return nil, &MissingFieldError{Field: fmt.Sprintf("items[%d].precio_unitario", i)}
		}
	}
	return po.Items, nil
}

// ParseDeliveryDate parses a date with the first matching layout
func ParseDeliveryDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range DeliveryDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// LatestDeliveryDate returns the latest parseable delivery date among the
// top-level date and the per-item dates. Unparseable values are skipped.
func (po *PurchaseOrder) LatestDeliveryDate() (time.Time, error) {
	if po == nil {
		return time.Time{}, ErrNoDeliveryDate
	}
	candidates := make([]string, 0, len(po.Items)+1)
	if po.FechaEntrega != "" {
		candidates = append(candidates, po.FechaEntrega)
	}
	for _, item := range po.Items {
		if item.FechaEntrega != "" {
			candidates = append(candidates, item.FechaEntrega)
		}
	}

	var latest time.Time
	found := false
	for _, c := range candidates {
		t, err := ParseDeliveryDate(c)
		if err != nil {
			continue
		}
		if !found || t.After(latest) {
			latest = t
			found = true
		}
	}
	if !found {
		return time.Time{}, ErrNoDeliveryDate
	}
	return latest, nil
}
