//go:build linux

package linux

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// USER_HZ; fixed at 100 on every architecture Linux exposes to userspace.
const clockTicks = 100

// ProcStat is the subset of /proc/<pid>/stat we police.
type ProcStat struct {
	PID   int
	State byte
	PPID  int
	PGID  int
	CPU   time.Duration // utime + stime across all threads
}

// ReadProcStat parses /proc/<pid>/stat. The comm field may contain spaces
// and parentheses, so parsing starts after the last ')'.
func ReadProcStat(pid int) (ProcStat, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ProcStat{}, err
	}
	return parseProcStat(pid, data)
}

func parseProcStat(pid int, data []byte) (ProcStat, error) {
	end := bytes.LastIndexByte(data, ')')
	if end < 0 || end+2 >= len(data) {
		return ProcStat{}, fmt.Errorf("parse /proc/%d/stat: no comm terminator", pid)
	}
	fields := strings.Fields(string(data[end+2:]))
	// fields[0] is field 3 (state) in proc(5) numbering.
	if len(fields) < 13 {
		return ProcStat{}, fmt.Errorf("parse /proc/%d/stat: %d fields", pid, len(fields))
	}

	st := ProcStat{PID: pid, State: fields[0][0]}
	var err error
	if st.PPID, err = strconv.Atoi(fields[1]); err != nil {
		return ProcStat{}, fmt.Errorf("parse ppid: %w", err)
	}
	if st.PGID, err = strconv.Atoi(fields[2]); err != nil {
		return ProcStat{}, fmt.Errorf("parse pgrp: %w", err)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return ProcStat{}, fmt.Errorf("parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return ProcStat{}, fmt.Errorf("parse stime: %w", err)
	}
	st.CPU = time.Duration(utime+stime) * time.Second / clockTicks
	return st, nil
}

// ReadRSS returns anonymous resident memory for pid in bytes, falling back
// to VmRSS on kernels without RssAnon.
func ReadRSS(pid int) (int64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return parseRSS(f)
}

func parseRSS(r io.Reader) (int64, error) {
	var vmRSS int64 = -1
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "RssAnon:"):
			return parseKB(line)
		case strings.HasPrefix(line, "VmRSS:"):
			if v, err := parseKB(line); err == nil {
				vmRSS = v
			}
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if vmRSS < 0 {
		// Zombies have no memory lines.
		return 0, nil
	}
	return vmRSS, nil
}

func parseKB(line string) (int64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("parse %q", line)
	}
	kb, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return kb * 1024, nil
}

// GroupMembers lists live (non-zombie) processes whose process group is pgid.
func GroupMembers(pgid int) ([]ProcStat, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	var out []ProcStat
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		st, err := ReadProcStat(pid)
		if err != nil {
			// Exited between ReadDir and ReadFile.
			continue
		}
		if st.PGID == pgid && st.State != 'Z' && st.State != 'X' {
			out = append(out, st)
		}
	}
	return out, nil
}
