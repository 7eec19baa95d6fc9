package retry

import (
	"context"
	"errors"
	"reflect"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
)

var log = logging.Logger("retry")

// ErrorIsIn reports whether err matches the type of any of errorTypes, which
// must be pointers to error values (e.g. &net.OpError{}).
func ErrorIsIn(err error, errorTypes []error) bool {
	for _, etype := range errorTypes {
		tmp := reflect.New(reflect.PointerTo(reflect.ValueOf(etype).Elem().Type())).Interface()
		if errors.As(err, tmp) {
			return true
		}
	}
	return false
}

// Retry calls f up to attempts times while it fails with an error accepted by
// retryable, sleeping with an exponential backoff starting at sleep. A
// non-retryable error is returned immediately.
func Retry[T any](ctx context.Context, attempts int, sleep time.Duration, retryable func(error) bool, f func() (T, error)) (result T, err error) {
	b := &backoff.Backoff{Min: sleep, Max: 64 * sleep, Factor: 2}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			d := b.Duration()
			log.Debugw("retrying after error", "attempt", i, "wait", d, "error", err)
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return result, ctx.Err()
			case <-t.C:
			}
		}
		result, err = f()
		if err == nil || !retryable(err) {
			return result, err
		}
	}
	log.Warnf("failed after %d attempts, last error: %s", attempts, err)
	return result, err
}

// OnTypes adapts a list of error types into a retryable predicate.
func OnTypes(errorTypes ...error) func(error) bool {
	return func(err error) bool {
		return ErrorIsIn(err, errorTypes)
	}
}
