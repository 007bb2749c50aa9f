package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NumberSuffix is the date part of a document number: /dd/mm/yyyy.
func NumberSuffix(date time.Time) string {
	return fmt.Sprintf("/%02d/%02d/%04d", date.Day(), int(date.Month()), date.Year())
}

// FormatNumber renders "{prefix}-{counter}/{dd}/{mm}/{yyyy}".
func FormatNumber(prefix string, counter int, date time.Time) string {
	return fmt.Sprintf("%s-%d%s", prefix, counter, NumberSuffix(date))
}

// ParseCounter extracts the counter from a number issued under prefix on date.
func ParseCounter(prefix string, date time.Time, number string) (int, bool) {
	head := prefix + "-"
	suffix := NumberSuffix(date)
	if !strings.HasPrefix(number, head) || !strings.HasSuffix(number, suffix) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(number, head), suffix)
	counter, err := strconv.Atoi(raw)
	if err != nil || counter <= 0 {
		return 0, false
	}
	return counter, true
}

// NextCounter returns one past the highest counter found among numbers for the date.
func NextCounter(prefix string, date time.Time, numbers []string) int {
	highest := 0
	for _, number := range numbers {
		if counter, ok := ParseCounter(prefix, date, number); ok && counter > highest {
			highest = counter
		}
	}
	return highest + 1
}
