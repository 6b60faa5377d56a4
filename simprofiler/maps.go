// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package simprofiler // import "go.opentelemetry.io/apm-correlation/simprofiler"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/apm-correlation/correlation"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/stringutil"
)

// Region is a named anonymous mapping of the traced process.
type Region struct {
	Start libpf.Address
	End   libpf.Address
	Name  string
}

// Layout lists the correlation regions of a process.
type Layout struct {
	// Process is the start of the process storage, or zero if the process
	// does not publish one.
	Process libpf.Address
	// Threads maps each task to the start of its thread storage.
	Threads map[libpf.TaskID]libpf.Address
}

// ParseMaps returns the named anonymous regions listed in the
// /proc/<pid>/maps format.
func ParseMaps(r io.Reader) ([]Region, error) {
	var regions []Region
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var fields [6]string
		if stringutil.FieldsN(scanner.Text(), fields[:]) < 6 {
			continue
		}
		name, ok := strings.CutPrefix(fields[5], "[anon:")
		if !ok {
			continue
		}
		name, ok = strings.CutSuffix(name, "]")
		if !ok {
			continue
		}
		start, end, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("malformed address range %q", fields[0])
		}
		startAddr, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed address range %q: %w", fields[0], err)
		}
		endAddr, err := strconv.ParseUint(end, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed address range %q: %w", fields[0], err)
		}
		regions = append(regions, Region{
			Start: libpf.Address(startAddr),
			End:   libpf.Address(endAddr),
			Name:  name,
		})
	}
	return regions, scanner.Err()
}

// ReadMaps parses the memory map of pid.
func ReadMaps(pid libpf.PID) ([]Region, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMaps(f)
}

// FindLayout picks the correlation storages out of regions.
func FindLayout(regions []Region) Layout {
	layout := Layout{Threads: make(map[libpf.TaskID]libpf.Address)}
	for _, r := range regions {
		if r.Name == correlation.ProcessStorageName {
			layout.Process = r.Start
			continue
		}
		suffix, ok := strings.CutPrefix(r.Name, correlation.ThreadStoragePrefix)
		if !ok {
			continue
		}
		task, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			continue
		}
		layout.Threads[libpf.TaskID(task)] = r.Start
	}
	return layout
}
