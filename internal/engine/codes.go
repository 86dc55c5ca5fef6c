package engine

import (
	"context"
	"fmt"

	"wirline/internal/db"
)

const codeWidth = 4

// allocateNextCode returns the code after the greatest existing one for
// prefix. It must run on the transaction that inserts or updates the row
// carrying the code.
func (e Engine) allocateNextCode(ctx context.Context, q db.Querier, prefix string) (string, error) {
	last, err := e.Repo.GreatestCodeNumber(ctx, q, prefix)
	if err != nil {
		return "", fmt.Errorf("scan %s codes: %w", prefix, err)
	}
	return FormatCode(prefix, last+1), nil
}

// FormatCode renders n zero-padded to four digits; wider numbers keep all digits.
func FormatCode(prefix string, n int) string {
	return fmt.Sprintf("%s-%0*d", prefix, codeWidth, n)
}

func (e Engine) codePrefix() string {
	if e.Config != nil && e.Config.Codes.WIRPrefix != "" {
		return e.Config.Codes.WIRPrefix
	}
	return "WIR"
}
