package wire

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/domain"
)

// Decimals travel as 16-byte little-endian two's-complement integers of
// value scaled by 10^8. 128 bits comfortably covers any balance the ledger
// can represent.

const decimalLen = 16

var (
	ErrDecimalPrecision = errors.New("wire: decimal exceeds 8 fractional digits")
	ErrDecimalRange     = errors.New("wire: decimal out of 128-bit range")

	two128    = new(big.Int).Lsh(big.NewInt(1), 128)
	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

func putDecimal(buf []byte, d decimal.Decimal) error {
	scaled := d.Shift(domain.DecimalPlaces)
	if !scaled.IsInteger() {
		return fmt.Errorf("%w: %s", ErrDecimalPrecision, d)
	}
	v := scaled.BigInt()
	if v.Cmp(maxInt128) > 0 || v.Cmp(minInt128) < 0 {
		return fmt.Errorf("%w: %s", ErrDecimalRange, d)
	}
	if v.Sign() < 0 {
		v = new(big.Int).Add(v, two128)
	}

	var be [decimalLen]byte
	v.FillBytes(be[:])
	for i := 0; i < decimalLen; i++ {
		buf[i] = be[decimalLen-1-i]
	}
	return nil
}

func getDecimal(buf []byte) decimal.Decimal {
	var be [decimalLen]byte
	for i := 0; i < decimalLen; i++ {
		be[i] = buf[decimalLen-1-i]
	}
	v := new(big.Int).SetBytes(be[:])
	if v.Cmp(maxInt128) > 0 {
		v.Sub(v, two128)
	}
	return decimal.NewFromBigInt(v, -domain.DecimalPlaces)
}
