package utils

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

const bytesPerGB = 1024 * 1024 * 1024

// GenerateUUID generates a UUID v4 string.
func GenerateUUID() string {
	return uuid.New().String()
}

// RandomCode generates a random URL-safe alphanumeric code of given length.
// Look-alike characters (0/O, 1/l/I) are left out.
func RandomCode(length int) string {
	b := make([]byte, length)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		b[i] = codeCharset[n.Int64()]
	}
	return string(b)
}

// GBToBytes converts gigabytes to bytes, rounding to the nearest byte.
// Zero or negative input means unlimited and yields 0. Values past the int64
// range saturate at math.MaxInt64.
func GBToBytes(gb float64) int64 {
	if gb <= 0 || math.IsNaN(gb) {
		return 0
	}
	b := math.Round(gb * bytesPerGB)
	if b >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(b)
}

// BytesToGB converts bytes to gigabytes.
func BytesToGB(bytes int64) float64 {
	return float64(bytes) / bytesPerGB
}

// DaysToExpiryMS returns now+days in epoch milliseconds, or 0 (never expires)
// when days is zero or negative.
func DaysToExpiryMS(now time.Time, days int) int64 {
	if days <= 0 {
		return 0
	}
	return now.Add(time.Duration(days) * 24 * time.Hour).UnixMilli()
}

// FormatBytes converts bytes to human-readable format.
func FormatBytes(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(bytes)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", size, units[i])
}

// ParseInt64 safely converts string to int64.
func ParseInt64(s string, defaultVal int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return defaultVal
	}
	return v
}

// SplitList splits a comma or whitespace separated list, dropping blanks.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
}
