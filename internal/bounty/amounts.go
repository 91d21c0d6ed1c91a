package bounty

import (
	"strconv"

	"saltdig/internal/saltdigerr"
)

// parseSaltAmount parses a listing/order price string into an integer Salt
// amount; Salt prices carry no fractional component.
func parseSaltAmount(price string) (int64, error) {
	n, err := strconv.ParseInt(price, 10, 64)
	if err != nil || n <= 0 {
		return 0, saltdigerr.InvalidArgument("price", "not a positive integer Salt amount")
	}
	return n, nil
}
