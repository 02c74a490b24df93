package entity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOrder = `{
	"comprador": {"nit": "900123456-7", "nombre": "Distribuidora Andina"},
	"orden_compra": "OC-4411",
	"fecha_entrega": "01/01/2025",
	"items": [
		{"codigo": "A-100", "cantidad": 12, "precio_unitario": "1500,50", "precio_total": 18006, "fecha_entrega": "15/01/2025"},
		{"codigo": "B-200", "cantidad": "3", "precio_unitario": 99.9, "precio_total": null}
	]
}`

func TestParsePurchaseOrder(t *testing.T) {
	po, err := ParsePurchaseOrder([]byte(sampleOrder))
	require.NoError(t, err)

	assert.Equal(t, "900123456-7", po.Comprador.NIT)
	assert.Equal(t, "OC-4411", po.OrdenCompra)
	require.Len(t, po.Items, 2)
	assert.Equal(t, Amount("12"), po.Items[0].Cantidad)
	assert.Equal(t, Amount("3"), po.Items[1].Cantidad)
	assert.Equal(t, Amount(""), po.Items[1].PrecioTotal)

	price, err := po.Items[0].PrecioUnitario.Float()
	require.NoError(t, err)
	assert.InDelta(t, 1500.50, price, 1e-9)
}

func TestParsePurchaseOrder_InvalidJSON(t *testing.T) {
	_, err := ParsePurchaseOrder([]byte(`{"items": [`))
	assert.Error(t, err)
}

func TestLatestDeliveryDate(t *testing.T) {
	tests := []struct {
		name    string
		order   PurchaseOrder
		want    time.Time
		wantErr bool
	}{
		{
			name: "item date later than header wins",
			order: PurchaseOrder{
				FechaEntrega: "01/01/2025",
				Items:        []LineItem{{Codigo: "A", FechaEntrega: "15/01/2025"}},
			},
			want: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "header later than items wins",
			order: PurchaseOrder{
				FechaEntrega: "2025-03-01",
				Items:        []LineItem{{Codigo: "A", FechaEntrega: "15/01/2025"}},
			},
			want: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "unparseable values are skipped",
			order: PurchaseOrder{
				FechaEntrega: "next tuesday",
				Items:        []LineItem{{Codigo: "A", FechaEntrega: "2025-02-10"}},
			},
			want: time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "no parseable date",
			order:   PurchaseOrder{FechaEntrega: "31/31/2025", Items: []LineItem{{Codigo: "A"}}},
			wantErr: true,
		},
		{
			name:    "no dates at all",
			order:   PurchaseOrder{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.order.LatestDeliveryDate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrNoDeliveryDate))
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestRequireFields(t *testing.T) {
	po := &PurchaseOrder{}

	_, err := po.RequireBuyerNIT()
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "comprador.nit", missing.Field)

	_, err = po.RequireOrderNumber()
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "orden_compra", missing.Field)

	_, err = po.RequireItems()
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "items", missing.Field)

	po.Items = []LineItem{{Codigo: "A", Cantidad: "1"}}
	_, err = po.RequireItems()
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "items[0].precio_unitario", missing.Field)

	var nilOrder *PurchaseOrder
	_, err = nilOrder.RequireBuyerNIT()
	assert.Error(t, err)
}
