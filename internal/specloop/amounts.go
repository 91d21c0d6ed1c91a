package specloop

import (
	"strconv"

	"saltdig/internal/saltdigerr"
)

func parseSaltAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, saltdigerr.InvalidArgument("amount", "not a positive integer Salt amount")
	}
	return n, nil
}

func parseSaltAmountZero(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, saltdigerr.InvalidArgument("amount", "not a non-negative integer Salt amount")
	}
	return n, nil
}

func formatAmount(n int64) string {
	return strconv.FormatInt(n, 10)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
