package launch

import (
	"fmt"
	"strconv"
	"strings"
)

// Receipt identifies one delivered message so it can later be deleted.
type Receipt struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

func (r Receipt) String() string {
	return strconv.FormatInt(r.ChatID, 10) + ":" + strconv.Itoa(r.MessageID)
}

// ParseReceipt parses the "chat:message" form produced by Receipt.String.
func ParseReceipt(s string) (Receipt, error) {
	chat, msg, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Receipt{}, fmt.Errorf("receipt %q: missing separator", s)
	}
	c, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipt %q: %w", s, err)
	}
	m, err := strconv.Atoi(msg)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipt %q: %w", s, err)
	}
	return Receipt{ChatID: c, MessageID: m}, nil
}

// EncodeReceipts joins receipts with ",", keeping order and dropping duplicates.
func EncodeReceipts(rs []Receipt) string {
	seen := make(map[Receipt]struct{}, len(rs))
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}

// DecodeReceipts is the inverse of EncodeReceipts. Malformed entries are skipped
// and reported through the returned error; the valid ones are still returned.
func DecodeReceipts(s string) ([]Receipt, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var (
		out     []Receipt
		badPart error
	)
	seen := map[Receipt]struct{}{}
	for _, p := range strings.Split(s, ",") {
		if strings.TrimSpace(p) == "" {
			continue
		}
		r, err := ParseReceipt(p)
		if err != nil {
			if badPart == nil {
				badPart = err
			}
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out, badPart
}
