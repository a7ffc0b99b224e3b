package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFanoutSkipsNilAndPreservesOrder(t *testing.T) {
	var got []string
	a := SinkFunc(func(e Event) { got = append(got, "a:"+e.Message) })
	b := SinkFunc(func(e Event) { got = append(got, "b:"+e.Message) })

	e := New(KindAlert, ModeLive)
	e.Message = "hi"
	Fanout{a, nil, b}.Publish(e)

	assert.Equal(t, []string{"a:hi", "b:hi"}, got)
}

func TestNewStampsIDAndTime(t *testing.T) {
	e1 := New(KindAnomaly, ModeUpload)
	e2 := New(KindAnomaly, ModeUpload)

	assert.NotEmpty(t, e1.ID)
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.False(t, e1.Time.IsZero())
	assert.Equal(t, ModeUpload, e1.Mode)
}

func TestOrNop(t *testing.T) {
	assert.NotPanics(t, func() { OrNop(nil).Publish(Event{}) })
}
