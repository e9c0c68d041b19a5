package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/keithlinneman/topupstore/internal/rupiah"
)

// telegram rejects captions longer than this
const maxCaptionRunes = 1024

var jakarta = mustLoadLocation("Asia/Jakarta")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// ProofCaption is everything the operator sees next to a payment proof
type ProofCaption struct {
	OrderID       string
	GameTitle     string
	AccountData   map[string]string
	Nickname      string
	NominalName   string
	TotalAmount   int64
	PaymentMethod string
	Outcome       string
	Warnings      []string
	UploadedAt    time.Time
}

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// md escapes buyer-supplied text for telegram's legacy Markdown
func md(s string) string { return markdownEscaper.Replace(s) }

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func (c ProofCaption) String() string {
	var b strings.Builder
	b.WriteString("💰 *BUKTI BAYAR MASUK!*\n\n")
	fmt.Fprintf(&b, "📋 *ID Pesanan:* `%s`\n", strings.ReplaceAll(c.OrderID, "`", ""))
	fmt.Fprintf(&b, "🎮 *Produk:* %s\n", md(orNA(c.GameTitle)))

	acct, _ := json.Marshal(c.AccountData)
	fmt.Fprintf(&b, "👤 *Data Akun:* %s\n", md(string(acct)))
	if c.Nickname != "" {
		fmt.Fprintf(&b, "🏷️ *Nickname:* %s\n", md(c.Nickname))
	}
	fmt.Fprintf(&b, "💎 *Nominal:* %s\n", md(orNA(c.NominalName)))
	fmt.Fprintf(&b, "💰 *Total:* %s\n", rupiah.Format(c.TotalAmount))
	fmt.Fprintf(&b, "💳 *Pembayaran:* %s\n", md(strings.ToUpper(orNA(c.PaymentMethod))))
	if wa := c.AccountData["whatsapp"]; wa != "" {
		fmt.Fprintf(&b, "📲 *WA:* %s\n", md(wa))
	}
	fmt.Fprintf(&b, "⏰ *Waktu Upload:* %s WIB\n", c.UploadedAt.In(jakarta).Format("02/01/2006 15.04.05"))
	if c.Outcome != "" {
		fmt.Fprintf(&b, "🔎 *Cek Bukti:* %s\n", md(c.Outcome))
	}
	if len(c.Warnings) > 0 {
		b.WriteString("\n⚠️ *Perlu dicek manual:*\n")
		for _, w := range c.Warnings {
			fmt.Fprintf(&b, "• %s\n", md(w))
		}
	}
	return truncateRunes(strings.TrimRight(b.String(), "\n"), maxCaptionRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
