package helpers

import (
	"strings"
	"sync"

	"github.com/juju/errors"
)

func FoldErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			ss = append(ss, e.Error())
		}
	}
	if len(ss) == 0 {
		return nil
	}
	return errors.New(strings.Join(ss, "\n"))
}

// FirstError returns first non-nil error, useful to close several resources
// and report the one that matters.
func FirstError(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// WrapErrChan runs fun and sends its error, if any, to errch. For concurrent
// init with FoldErrChan after wg.Wait() and close(errch).
func WrapErrChan(wg *sync.WaitGroup, errch chan<- error, fun func() error) {
	defer wg.Done()
	if err := fun(); err != nil {
		errch <- err
	}
}

func FoldErrChan(errch <-chan error) error {
	errs := make([]error, 0)
	for err := range errch {
		errs = append(errs, err)
	}
	return FoldErrors(errs)
}
