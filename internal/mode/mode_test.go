package mode

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		url  string
		want Mode
	}{
		{"", Demo},
		{"   ", Demo},
		{"localhost:8080", Demo},
		{"ws://stats.example.com", Demo},
		{"http://", Demo},
		{"::not a url", Demo},
		{"http://127.0.0.1:8080", Secure},
		{" https://stats.example.com/base ", Secure},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			s := NewSelector(Config{ServiceURL: tc.url})
			require.Equal(t, tc.want, s.Mode())
			require.Equal(t, tc.want == Secure, s.IsSecure())
		})
	}
}

func TestSelectorIsStable(t *testing.T) {
	s := NewSelector(Config{ServiceURL: "https://stats.example.com"})
	require.True(t, s.IsSecure())

	// Config is captured by value; nothing can flip the answer afterwards.
	s.cfg.ServiceURL = ""
	require.True(t, s.IsSecure())
	require.Equal(t, "secure", s.Mode().String())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, s.IsSecure())
		}()
	}
	wg.Wait()
}

func TestDemoString(t *testing.T) {
	require.Equal(t, "demo", NewSelector(Config{}).Mode().String())
}
