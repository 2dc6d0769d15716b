package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordMonitor struct {
	errs   []error
	tags   map[string]string
	panics []any
}

func (r *recordMonitor) CaptureException(err error, tags map[string]string) {
	r.errs = append(r.errs, err)
	r.tags = tags
}
func (r *recordMonitor) CapturePanic(v any)  { r.panics = append(r.panics, v) }
func (r *recordMonitor) Flush(time.Duration) {}

func TestCaptureException(t *testing.T) {
	mon := &recordMonitor{}
	Init(mon)
	defer Init(NopMonitor{})

	CaptureException(nil, nil)
	CaptureException(errors.New("boom"), map[string]string{"module": "allocation"})
	Init(nil)
	CaptureException(errors.New("again"), nil)

	assert.Len(t, mon.errs, 2)
	assert.Nil(t, mon.tags)
}

func TestRecoverReportsAndRepanics(t *testing.T) {
	mon := &recordMonitor{}
	Init(mon)
	defer Init(NopMonitor{})

	assert.PanicsWithValue(t, "cycle crashed", func() {
		defer Recover()
		panic("cycle crashed")
	})
	assert.Equal(t, []any{"cycle crashed"}, mon.panics)
}
