package encoding

import (
	"sync"
	"testing"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "hello world"},
		{"int64", int64(9876543210)},
		{"float64", 3.14159},
		{"bool", true},
		{"row", map[string]interface{}{"ID": 1, "NAME": "alice", "METADATA$ACTION": "INSERT"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(data) == 0 {
				t.Error("Expected non-empty result")
			}
		})
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				data, err := Marshal(map[string]interface{}{"worker": id, "seq": j})
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out map[string]interface{}
				if err := Unmarshal(data, &out); err != nil {
					t.Errorf("Unmarshal failed: %v", err)
					return
				}
			}
		}(i)
	}

	wg.Wait()
}

func TestUnmarshal_LooseDecoding(t *testing.T) {
	data, err := Marshal(map[string]interface{}{
		"text": "some text",
		"blob": []byte{0xDE, 0xAD},
	})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	m, ok := result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map[string]interface{}, got %T", result)
	}
	if _, ok := m["text"].(string); !ok {
		t.Errorf("text: got %T, want string", m["text"])
	}
	// bin decodes as string so it can be rendered as JSON text
	if _, ok := m["blob"].(string); !ok {
		t.Errorf("blob: got %T, want string", m["blob"])
	}
}
