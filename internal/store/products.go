package store

import (
	"fmt"

	"github.com/mextic/recargas-sub000/internal/retry"
)

// Product is one carrier SKU with its price and validity.
type Product struct {
	Code   string
	Amount float64
	Days   int
}

// vozPackages maps the VOZ subscription package code to its SKU. VOZ devices
// carry their package on the subscription row.
var vozPackages = map[string]Product{
	"PAQ030": {Code: "PAQ030", Amount: 30, Days: 7},
	"PAQ050": {Code: "PAQ050", Amount: 50, Days: 15},
	"PAQ100": {Code: "PAQ100", Amount: 100, Days: 30},
	"PAQ200": {Code: "PAQ200", Amount: 200, Days: 30},
}

// eliotProducts maps the per-agent importe_recarga to its SKU and validity.
var eliotProducts = map[int]Product{
	10:  {Code: "TEL010", Amount: 10, Days: 7},
	30:  {Code: "TEL030", Amount: 30, Days: 15},
	50:  {Code: "TEL050", Amount: 50, Days: 30},
	100: {Code: "TEL100", Amount: 100, Days: 30},
	200: {Code: "TEL200", Amount: 200, Days: 45},
	500: {Code: "TEL500", Amount: 500, Days: 60},
}

// VozPackage resolves a VOZ package code. Unknown codes are business errors.
func VozPackage(code string) (Product, error) {
	p, ok := vozPackages[code]
	if !ok {
		return Product{}, retry.AsBusiness(fmt.Errorf("unknown voz package %q", code))
	}
	return p, nil
}

// EliotProduct resolves an importe_recarga. Unmapped amounts are rejected as
// business errors, never guessed.
func EliotProduct(amount int) (Product, error) {
	p, ok := eliotProducts[amount]
	if !ok {
		return Product{}, retry.AsBusiness(fmt.Errorf("unmapped eliot amount %d", amount))
	}
	return p, nil
}
