package chain

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	receiptGroupCount = 3
	receiptGroupSize  = 4
	receiptSymbols    = receiptGroupCount * receiptGroupSize
	receiptSeparator  = "-"
)

var (
	// ErrInvalidReceiptCode indicates that a receipt code cannot be normalized.
	ErrInvalidReceiptCode = errors.New("chain: invalid receipt code")

	// ReceiptCodePattern matches a normalized receipt code such as "K3QF-7ZLA-MM2D".
	ReceiptCodePattern = regexp.MustCompile(`^[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}$`)

	receiptEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// ProbeReceiptCode has the shape of a receipt code but uses symbols outside the
// base32 alphabet, so it never matches a stored code.
const ProbeReceiptCode = "0000-0000-0000"

// DeriveReceiptCode turns a vote hash into a short upper-case code: 60 bits of the
// digest in base32, split into three groups of four.
func DeriveReceiptCode(voteHash string) string {
	raw, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(voteHash)))
	if err != nil || len(raw) == 0 {
		sum := sha256.Sum256([]byte(voteHash))
		raw = sum[:]
	}
	symbols := receiptEncoding.EncodeToString(raw)[:receiptSymbols]
	return groupReceipt(symbols)
}

// NormalizeReceiptCode accepts user input in any case, with or without group
// separators and spaces, and returns the canonical grouped form.
func NormalizeReceiptCode(rawInput string) (string, error) {
	replacer := strings.NewReplacer(receiptSeparator, "", " ", "", "\t", "")
	compact := strings.ToUpper(replacer.Replace(strings.TrimSpace(rawInput)))
	if len(compact) != receiptSymbols {
		return "", fmt.Errorf("%w: expected %d symbols", ErrInvalidReceiptCode, receiptSymbols)
	}
	code := groupReceipt(compact)
	if !ReceiptCodePattern.MatchString(code) {
		return "", fmt.Errorf("%w: unexpected symbol", ErrInvalidReceiptCode)
	}
	return code, nil
}

func groupReceipt(symbols string) string {
	groups := make([]string, 0, receiptGroupCount)
	for start := 0; start < len(symbols); start += receiptGroupSize {
		groups = append(groups, symbols[start:start+receiptGroupSize])
	}
	return strings.Join(groups, receiptSeparator)
}
