package notification

import (
	"bytes"
	"strings"
	"text/template"

	"imobilerepair/internal/domain"
)

var funcs = template.FuncMap{
	"money": func(cents int64, currency string) string {
		return domain.FromCents(cents).StringFixed(2) + " " + strings.ToUpper(currency)
	},
	"line": func(it domain.OrderItem) int64 { return it.LineTotalCents() },
}

var customerTmpl = template.Must(template.New("customer").Funcs(funcs).Parse(
	`Hello {{.Customer.Name}},

thank you for your order. We have received your payment.

Order: {{.ID}}
{{range .Items}}  {{.Quantity}} x {{.Title}}  {{money (line .) $.Currency}}
{{end}}
Total: {{money .TotalCents .Currency}}

We will contact you as soon as your repair is scheduled.
`))

var operatorTmpl = template.Must(template.New("operator").Funcs(funcs).Parse(
	`New paid order {{.ID}}

Customer: {{.Customer.Name}} <{{.Customer.Email}}>
{{- if .Customer.Phone}}
Phone: {{.Customer.Phone}}{{end}}
{{- if .Customer.Address}}
Address: {{.Customer.Address}}{{end}}

{{range .Items}}  {{.Quantity}} x {{.Title}}  {{money (line .) $.Currency}}
{{end}}
Total: {{money .TotalCents .Currency}}
Session: {{.PaymentSessionID}}
`))

func render(t *template.Template, o domain.Order) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, o); err != nil {
		return "", err
	}
	return buf.String(), nil
}
