package volumes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTableCoversEveryState(t *testing.T) {
	for _, s := range AllStates {
		_, ok := ValidTransitions[s]
		assert.True(t, ok, "state %s missing from transition table", s)
	}
}

func TestUndefinedTransitionsLeaveVolumeUntouched(t *testing.T) {
	for _, s := range AllStates {
		for _, e := range AllEvents {
			if _, ok := ValidTransitions[s][e]; ok {
				continue
			}
			v := New("vol", TypeDataDisk, 1<<30)
			v.state = s
			before := v.Clone()

			from, err := v.Transition(e)
			require.ErrorIs(t, err, ErrNoTransition, "%s on %s", e, s)
			assert.Equal(t, s, from)
			assert.Equal(t, before, v)
		}
	}
}

func TestTransitionPaths(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   State
	}{
		{"create succeeds", []Event{EventCreateRequested, EventOperationSucceeded}, StateReady},
		{"create fails", []Event{EventCreateRequested, EventOperationFailed}, StateAllocated},
		{"create retried", []Event{EventCreateRequested, EventCreateRequested, EventOperationSucceeded}, StateReady},
		{"migration round trip", []Event{EventCreateRequested, EventOperationSucceeded, EventMigrationRequested, EventOperationSucceeded}, StateReady},
		{"upload then copy", []Event{EventUploadRequested, EventCopyRequested, EventCopySucceeded}, StateReady},
		{"failed copy returns to upload", []Event{EventUploadRequested, EventCopyRequested, EventCopyFailed}, StateUploadOp},
		{"destroy then expunge", []Event{EventCreateRequested, EventOperationSucceeded, EventDestroyRequested, EventExpungeRequested}, StateExpunging},
		{"failed expunge returns to destroy", []Event{EventDestroyRequested, EventExpungeRequested, EventOperationFailed}, StateDestroy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New("vol", TypeDataDisk, 1<<30)
			for _, e := range tt.events {
				_, err := v.Transition(e)
				require.NoError(t, err, "event %s", e)
			}
			assert.Equal(t, tt.want, v.State())
		})
	}
}

func TestInFlightStatesCannotBeDestroyed(t *testing.T) {
	for _, s := range AllStates {
		if !s.InFlight() {
			continue
		}
		_, err := s.Next(EventDestroyRequested)
		assert.ErrorIs(t, err, ErrNoTransition, "state %s", s)
	}
}

func TestVolumeJSONKeepsState(t *testing.T) {
	v := New("data", TypeDataDisk, 2<<30)
	v.ID = 7
	v.PoolID = "pool-1"
	dev := 1
	v.DeviceID = &dev
	_, err := v.Transition(EventCreateRequested)
	require.NoError(t, err)

	data, err := json.Marshal(v)
	require.NoError(t, err)

	var got Volume
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, StateCreating, got.State())
	assert.Equal(t, uint64(7), got.ID)
	require.NotNil(t, got.DeviceID)
	assert.Equal(t, 1, *got.DeviceID)
}

func TestVolumeJSONRejectsUnknownState(t *testing.T) {
	var v Volume
	err := json.Unmarshal([]byte(`{"id":1,"state":"Bogus"}`), &v)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestDuplicateDropsPlacement(t *testing.T) {
	v := New("root", TypeRoot, 10<<30)
	v.PoolID = "p1"
	v.Path = "abc"
	v.InstanceID = "vm-1"
	dev := 0
	v.DeviceID = &dev
	_, err := v.Transition(EventCreateRequested)
	require.NoError(t, err)

	d := v.Duplicate("tmpl-2")
	assert.Equal(t, StateAllocated, d.State())
	assert.Empty(t, d.PoolID)
	assert.Empty(t, d.Path)
	assert.Equal(t, "vm-1", d.InstanceID)
	assert.Equal(t, "tmpl-2", d.TemplateID)
	require.NotNil(t, d.DeviceID)
	*d.DeviceID = 5
	assert.Equal(t, 0, *v.DeviceID)
}
