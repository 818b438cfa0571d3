package errors

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

func formatAssetErrors(es []error) string {
	if len(es) == 1 {
		return fmt.Sprintf("1 asset failed to load:\n\t* %s", es[0])
	}

	points := make([]string, len(es))
	for i, err := range es {
		points[i] = fmt.Sprintf("* %s", err)
	}

	return fmt.Sprintf(
		"%d assets failed to load:\n\t%s",
		len(es), strings.Join(points, "\n\t"))
}

// FormatErrorOrNil renders the collected per-asset errors as a single error,
// or nil when none were collected.
func FormatErrorOrNil(err *multierror.Error) error {
	if err != nil {
		err.ErrorFormat = formatAssetErrors
	}
	return err.ErrorOrNil()
}
