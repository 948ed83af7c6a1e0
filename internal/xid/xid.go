package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// Folio builds a human readable document number such as V-20260314-9F3A1C.
func Folio(prefix string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), suffix)
}

// SaleFolioForOrder derives the sale folio from a delivery order folio, so
// P-20260314-9F3A1C becomes V-20260314-9F3A1C.
func SaleFolioForOrder(orderFolio string) string {
	return "V-" + strings.TrimPrefix(orderFolio, "P-")
}
