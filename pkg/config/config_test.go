// Copyright 2024 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/testutils"
)

type testOptions struct {
	Frames   int      `json:"frames"`
	Interval Duration `json:"interval"`
	Name     string   `json:"name,omitempty"`
}

func (o *testOptions) Validate() error {
	if o.Frames < 0 {
		return fmt.Errorf("negative frame count %d", o.Frames)
	}
	return nil
}

func defaultTestOptions() interface{} {
	return &testOptions{Frames: 16, Interval: Duration(time.Second)}
}

func TestParseAndRevert(t *testing.T) {
	cfg := NewConfig()
	opt := &testOptions{}
	events := []Event{}

	_, err := cfg.Register("memory", "test module", opt, defaultTestOptions,
		WithNotify(func(e Event, _ Source) error {
			events = append(events, e)
			return nil
		}))
	require.NoError(t, err)
	require.Equal(t, 16, opt.Frames, "defaults applied at registration")

	require.NoError(t, cfg.ParseYAMLData([]byte("memory:\n  frames: 64\n  interval: 10ms\n"), External))
	require.Equal(t, 64, opt.Frames)
	require.Equal(t, Duration(10*time.Millisecond), opt.Interval)

	err = cfg.ParseYAMLData([]byte("memory:\n  frames: -1\n"), External)
	require.Error(t, err)
	require.Equal(t, 64, opt.Frames, "failed update must roll back")

	err = cfg.ParseYAMLData([]byte("nosuchmodule:\n  x: 1\nother:\n  y: 2\n"), External)
	testutils.VerifyError(t, err, 2, []string{`unknown module "nosuchmodule"`, `unknown module "other"`})

	require.NoError(t, cfg.Reset())
	require.Equal(t, 16, opt.Frames)

	require.Equal(t, []Event{UpdateEvent, RevertEvent, UpdateEvent}, events)
}

func TestNotifyRejection(t *testing.T) {
	cfg := NewConfig()
	opt := &testOptions{}
	_, err := cfg.Register("sched", "", opt, defaultTestOptions,
		WithNotify(func(e Event, _ Source) error {
			if e == UpdateEvent && opt.Name == "bad" {
				return fmt.Errorf("rejected")
			}
			return nil
		}))
	require.NoError(t, err)

	require.Error(t, cfg.ParseYAMLData([]byte("sched:\n  name: bad\n"), External))
	require.Equal(t, "", opt.Name)

	_, err = cfg.Register("sched", "", opt, defaultTestOptions)
	require.Error(t, err, "duplicate registration")
}

func TestDurationUnmarshal(t *testing.T) {
	tcases := []struct {
		data     string
		expected Duration
		fails    bool
	}{
		{data: `"4ms"`, expected: Duration(4 * time.Millisecond)},
		{data: `1000`, expected: Duration(time.Microsecond)},
		{data: `"forever"`, fails: true},
	}
	for _, tc := range tcases {
		var d Duration
		err := d.UnmarshalJSON([]byte(tc.data))
		if tc.fails {
			if err == nil {
				t.Errorf("%s: expected failure, got %v", tc.data, d)
			}
			continue
		}
		if err != nil || d != tc.expected {
			t.Errorf("%s: expected %v, got %v (%v)", tc.data, tc.expected, d, err)
		}
	}
}
