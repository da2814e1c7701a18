package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var receiptPrefixes = map[Kind]string{
	KindDeposit:     "DEP",
	KindWithdrawal:  "WTH",
	KindProfit:      "PRF",
	KindFee:         "FEE",
	KindBonus:       "BNS",
	KindAdminCredit: "ADJ",
	KindAdminDebit:  "ADJ",
	KindReversal:    "REV",
}

// NewReceiptID returns a receipt of the form PREFIX-user-XXXXXXXX.
func NewReceiptID(kind Kind, userID string) string {
	prefix, ok := receiptPrefixes[kind]
	if !ok {
		prefix = "TXN"
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", prefix, userID, suffix)
}
