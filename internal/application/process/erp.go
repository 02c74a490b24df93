package process

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
)

// FormLayout holds the sales order form coordinates on the remote screen
type FormLayout struct {
	BuyerField        image.Point
	OrderField        image.Point
	DeliveryDateField image.Point
	FirstItemCell     image.Point
	AddButton         image.Point
	RestPosition      image.Point

	// DateLayout is the Go layout the ERP expects dates typed in
	DateLayout string
	// FieldDelay is the pause after each field so the ERP can validate it
	FieldDelay time.Duration
}

// DefaultFormLayout returns coordinates for a 1920x1080 session
func DefaultFormLayout() FormLayout {
	return FormLayout{
		BuyerField:        image.Pt(220, 160),
		OrderField:        image.Pt(220, 230),
		DeliveryDateField: image.Pt(1480, 205),
		FirstItemCell:     image.Pt(120, 420),
		AddButton:         image.Pt(60, 1000),
		RestPosition:      image.Pt(1900, 540),
		DateLayout:        "02.01.2006",
		FieldDelay:        500 * time.Millisecond,
	}
}

// FormDriver types a purchase order into the ERP sales order form
type FormDriver struct {
	input    port.InputDriver
	capturer port.ScreenCapturer
	output   port.FileStorage
	layout   FormLayout
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewFormDriver creates a new form driver. Confirmation screenshots are
// written to output.
func NewFormDriver(input port.InputDriver, capturer port.ScreenCapturer, output port.FileStorage, layout FormLayout, logger *zap.Logger) *FormDriver {
	if layout.DateLayout == "" {
		layout.DateLayout = DefaultFormLayout().DateLayout
	}
	return &FormDriver{
		input:    input,
		capturer: capturer,
		output:   output,
		layout:   layout,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Input returns the underlying input driver
func (f *FormDriver) Input() port.InputDriver {
	return f.input
}

// fillField clicks a field, replaces its content and tabs out
func (f *FormDriver) fillField(ctx context.Context, at image.Point, value string) error {
	if err := f.input.Click(ctx, at); err != nil {
		return fmt.Errorf("click field: %w", err)
	}
	if err := f.input.Hotkey(ctx, "ctrl+a"); err != nil {
		return fmt.Errorf("select field: %w", err)
	}
	if err := f.input.TypeText(ctx, value); err != nil {
		return fmt.Errorf("type %q: %w", value, err)
	}
	if err := f.input.PressKey(ctx, "Tab"); err != nil {
		return fmt.Errorf("leave field: %w", err)
	}
	return f.sleep(ctx, f.layout.FieldDelay)
}

// EnterBuyer types the buyer identifier
func (f *FormDriver) EnterBuyer(ctx context.Context, nit string) error {
	return f.fillField(ctx, f.layout.BuyerField, nit)
}

// EnterOrderNumber types the customer purchase-order number
func (f *FormDriver) EnterOrderNumber(ctx context.Context, number string) error {
	return f.fillField(ctx, f.layout.OrderField, number)
}

// EnterDeliveryDate types the delivery date in the ERP's layout
func (f *FormDriver) EnterDeliveryDate(ctx context.Context, date time.Time) error {
	return f.fillField(ctx, f.layout.DeliveryDateField, f.FormatDate(date))
}

// FormatDate renders a date the way the ERP expects it
func (f *FormDriver) FormatDate(date time.Time) string {
	return date.Format(f.layout.DateLayout)
}

// EnterLineItems types each row: code, quantity and unit price, then Enter to
// commit the row and move to the next one
func (f *FormDriver) EnterLineItems(ctx context.Context, items []entity.LineItem) error {
	if err := f.input.Click(ctx, f.layout.FirstItemCell); err != nil {
		return fmt.Errorf("click first item cell: %w", err)
	}

	for i, item := range items {
		cells := []string{item.Codigo, item.Cantidad.String(), item.PrecioUnitario.String()}
		for j, value := range cells {
			if err := f.input.TypeText(ctx, value); err != nil {
				return fmt.Errorf("item %d: type %q: %w", i, value, err)
			}
			key := "Tab"
			if j == len(cells)-1 {
				key = "Enter"
			}
			if err := f.input.PressKey(ctx, key); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
		if err := f.sleep(ctx, f.layout.FieldDelay); err != nil {
			return err
		}
		f.logger.Debug("Line item entered", zap.Int("row", i), zap.String("codigo", item.Codigo))
	}
	return nil
}

// AddAndCapture clicks the Add button and captures the screen immediately,
// saving the confirmation as <base>.png. It returns the saved path.
func (f *FormDriver) AddAndCapture(ctx context.Context, base string) (string, error) {
	if err := f.input.Click(ctx, f.layout.AddButton); err != nil {
		return "", fmt.Errorf("click add: %w", err)
	}

	img, err := f.capturer.Capture(ctx)
	if err != nil {
		return "", fmt.Errorf("capture confirmation: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode confirmation: %w", err)
	}

	name := base + ".png"
	if err := f.output.Save(ctx, name, buf.Bytes()); err != nil {
		return "", fmt.Errorf("save confirmation: %w", err)
	}
	return f.output.GetFullPath(name), nil
}

// DismissAndRest closes the confirmation dialog and parks the pointer
func (f *FormDriver) DismissAndRest(ctx context.Context) error {
	if err := f.input.PressKey(ctx, "Enter"); err != nil {
		return fmt.Errorf("dismiss dialog: %w", err)
	}
	if err := f.input.MoveTo(ctx, f.layout.RestPosition); err != nil {
		return fmt.Errorf("move pointer: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
