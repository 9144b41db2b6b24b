package notify

import (
	"fmt"
	"strings"

	"github.com/lalithlochan/pricewatch/internal/db"
)

var currencySymbols = map[string]string{
	"INR": "₹",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// FormatPrice renders an amount with the currency symbol and thousands
// separators, dropping a zero fraction.
func FormatPrice(amount float64, currency string) string {
	sym, ok := currencySymbols[strings.ToUpper(currency)]
	if !ok {
		sym = strings.ToUpper(currency) + " "
	}

	whole := int64(amount)
	frac := int64((amount-float64(whole))*100 + 0.5)
	if frac == 100 {
		whole++
		frac = 0
	}

	digits := fmt.Sprintf("%d", whole)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if frac > 0 {
		fmt.Fprintf(&b, ".%02d", frac)
	}
	return sym + b.String()
}

// Render builds the channel message for an alert.
func Render(a *db.Alert, p *db.Product, rc db.Recipient, channel string) *Message {
	title := p.Title
	if title == "" {
		title = "your tracked product"
	}
	currency := p.Currency
	if currency == "" {
		currency = "INR"
	}

	msg := &Message{
		AlertID:      a.ID,
		UserID:       a.UserID,
		ProductID:    a.ProductID,
		Kind:         a.Kind,
		Channel:      channel,
		Recipient:    rc,
		ProductTitle: title,
		ProductURL:   p.CanonicalURL,
		Platform:     p.Platform,
		Currency:     currency,
		OldPrice:     a.OldPrice,
		NewPrice:     a.NewPrice,
	}

	price := FormatPrice(a.NewPrice, currency)
	switch a.Kind {
	case db.KindPriceDrop:
		msg.Subject = fmt.Sprintf("Price drop: %s is now %s", title, price)
		if a.OldPrice != nil && *a.OldPrice > 0 {
			pct := (*a.OldPrice - a.NewPrice) * 100 / *a.OldPrice
			msg.Body = fmt.Sprintf("%s dropped from %s to %s (%.0f%% off).",
				title, FormatPrice(*a.OldPrice, currency), price, pct)
		} else {
			msg.Body = fmt.Sprintf("%s dropped to %s.", title, price)
		}
	case db.KindTargetMet:
		msg.Subject = fmt.Sprintf("Target reached: %s", title)
		msg.Body = fmt.Sprintf("%s is now %s, at or below your target price.", title, price)
	case db.KindBackInStock:
		msg.Subject = fmt.Sprintf("Back in stock: %s", title)
		msg.Body = fmt.Sprintf("%s is back in stock at %s.", title, price)
	default:
		msg.Subject = fmt.Sprintf("Update on %s", title)
		msg.Body = fmt.Sprintf("%s is now %s.", title, price)
	}
	msg.Body += "\n" + p.CanonicalURL
	return msg
}

// ShortText is the single-line form used by SMS and chat channels.
func (m *Message) ShortText() string {
	return m.Subject + " " + m.ProductURL
}
