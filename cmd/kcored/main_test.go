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

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/kernel"
	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/loader"
)

func TestPopulate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "motd"), []byte("hi"), 0644))

	fs := loader.NewMemFS()
	require.NoError(t, populate(fs, dir))
	require.Equal(t, []string{"/etc/motd"}, fs.List())
}

func TestWorkloadPaths(t *testing.T) {
	saved := opt.workloads
	defer func() { opt.workloads = saved }()

	opt.workloads = " spin, ,memhog"
	require.Equal(t, []string{"/bin/spin", "/bin/memhog"}, workloadPaths())
	opt.workloads = ""
	require.Empty(t, workloadPaths())
}

func TestInitWithoutWorkloads(t *testing.T) {
	fs := loader.NewMemFS()
	k, err := kernel.New(kernel.Config{}, kernel.Collaborators{FS: fs})
	require.NoError(t, err)
	require.NoError(t, install(k, fs))
	require.NoError(t, k.Start("/sbin/init", []string{"/sbin/init"}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- k.Run(ctx) }()
	select {
	case <-k.InitDone():
	case <-time.After(20 * time.Second):
		t.Errorf("init did not exit")
	}
	cancel()
	require.NoError(t, <-errCh)
	require.NoError(t, k.Close())
	require.Equal(t, abi.ExitStatus(0), k.InitStatus())
}
