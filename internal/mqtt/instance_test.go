package mqtt

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

type memKV struct {
	data   map[string]string
	getErr error
	setErr error
	sets   int
}

func (m *memKV) Get(namespace, key string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	return m.data[namespace+"/"+key], nil
}

func (m *memKV) Set(namespace, key, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.sets++
	m.data[namespace+"/"+key] = value
	return nil
}

func TestLoadOrCreateInstanceID_Mints(t *testing.T) {
	kv := &memKV{}
	id, err := LoadOrCreateInstanceID(kv)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID: %v", err)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("id %q is not a UUID: %v", id, err)
	}
	if u.Version() != 7 {
		t.Errorf("uuid version = %d, want 7", u.Version())
	}
	if kv.data["bridge/instance_id"] != id {
		t.Errorf("stored id = %q, want %q", kv.data["bridge/instance_id"], id)
	}

	again, err := LoadOrCreateInstanceID(kv)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if again != id {
		t.Errorf("second call = %q, want stable %q", again, id)
	}
	if kv.sets != 1 {
		t.Errorf("Set calls = %d, want 1", kv.sets)
	}
}

func TestLoadOrCreateInstanceID_Errors(t *testing.T) {
	boom := errors.New("disk full")
	tests := []struct {
		name string
		kv   *memKV
	}{
		{name: "read", kv: &memKV{getErr: boom}},
		{name: "write", kv: &memKV{setErr: boom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := LoadOrCreateInstanceID(tt.kv)
			if !errors.Is(err, boom) {
				t.Errorf("err = %v, want wrapping %v", err, boom)
			}
			if id != "" {
				t.Errorf("id = %q, want empty on error", id)
			}
		})
	}
}
