package email

import (
	"bytes"
	"html/template"
	"strconv"

	"shop/internal/model"
)

var (
	cartTemplate = template.Must(template.New("cart").Parse(`<br/>Cart Email Requested
<br/>Total {{.Total}}
<br/>
<ul>
{{- range .Lines}}
<li>{{.ProductName}} x {{.Count}}</li>
{{- end}}
</ul>`))

	registeredTemplate = template.Must(template.New("registered").Parse(
		`User Registration Successful. <br/> Email : {{.}}`))

	orderPlacedTemplate = template.Must(template.New("order").Parse(
		`New Order Placed. <br/> Order ID : {{.OrderID}}`))
)

type cartView struct {
	Total string
	Lines []cartLine
}

type cartLine struct {
	ProductName string
	Count       int
}

func renderCart(cart model.CartSnapshot) (string, error) {
	view := cartView{Total: cartTotal(cart).StringFixed(2)}
	for _, d := range cart.CartDetails {
		name := d.ProductName
		if name == "" {
			name = "product #" + strconv.FormatInt(d.ProductID, 10)
		}
		view.Lines = append(view.Lines, cartLine{ProductName: name, Count: d.Count})
	}
	return render(cartTemplate, view)
}

func renderRegistered(address string) (string, error) {
	return render(registeredTemplate, address)
}

func renderOrderPlaced(msg model.RewardsMessage) (string, error) {
	return render(orderPlacedTemplate, msg)
}

func render(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
