package service

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Document number prefixes
const (
	PrefixOrder     = "ORD"
	PrefixWorkOrder = "SPK"
)

// NumberFunc produces a human-readable document number for prefix at now
type NumberFunc func(prefix string, now time.Time) string

var (
	numberMu  sync.Mutex
	numberRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomNumber returns PREFIX-YYYYMMDD-NNN with a random three digit suffix.
// Collisions are possible and are surfaced by the unique constraint.
func RandomNumber(prefix string, now time.Time) string {
	numberMu.Lock()
	n := numberRnd.Intn(1000)
	numberMu.Unlock()
	return fmt.Sprintf("%s-%s-%03d", prefix, now.Format("20060102"), n)
}
