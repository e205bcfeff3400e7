//go:build linux

package linux

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultCgroupRoot is the parent cgroup under which every run gets a leaf.
const DefaultCgroupRoot = "/sys/fs/cgroup/convbox"

type CgroupConfig struct {
	MemLimitBytes int64
	PidsLimit     int     // tasks, so Go runtime threads count
	CPULimit      float64 // CPUs (1.0 = one full CPU), 0 for no cap
}

// CgroupPath returns the leaf for a run under root.
func CgroupPath(root, runID string) string {
	return filepath.Join(root, "run-"+runID)
}

// PrepareCgroupRoot creates root and delegates the controllers we write to.
func PrepareCgroupRoot(root string) error {
	if err := DetectCgroupV2(); err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create cgroup root %s: %w", root, err)
	}
	parent := filepath.Dir(root)
	for _, ctrl := range []string{"memory", "pids", "cpu"} {
		_ = os.WriteFile(filepath.Join(parent, "cgroup.subtree_control"), []byte("+"+ctrl), 0644)
		_ = os.WriteFile(filepath.Join(root, "cgroup.subtree_control"), []byte("+"+ctrl), 0644)
	}
	return nil
}

func CreateCgroup(root, runID string, cfg CgroupConfig) (string, error) {
	cgPath := CgroupPath(root, runID)
	if err := os.Mkdir(cgPath, 0755); err != nil {
		return "", fmt.Errorf("create cgroup %s: %w", cgPath, err)
	}

	if cfg.MemLimitBytes > 0 {
		val := strconv.FormatInt(cfg.MemLimitBytes, 10)
		if err := os.WriteFile(filepath.Join(cgPath, "memory.max"), []byte(val), 0644); err != nil {
			_ = os.Remove(cgPath)
			return "", fmt.Errorf("set memory.max: %w", err)
		}
		// No swap, otherwise memory.max only slows the child down.
		_ = os.WriteFile(filepath.Join(cgPath, "memory.swap.max"), []byte("0"), 0644)
	}

	if cfg.PidsLimit > 0 {
		if err := os.WriteFile(filepath.Join(cgPath, "pids.max"), []byte(strconv.Itoa(cfg.PidsLimit)), 0644); err != nil {
			_ = os.Remove(cgPath)
			return "", fmt.Errorf("set pids.max: %w", err)
		}
	}

	if cfg.CPULimit > 0 {
		quota := int64(math.Ceil(cfg.CPULimit * 100000))
		cpuMax := fmt.Sprintf("%d 100000", quota)
		if err := os.WriteFile(filepath.Join(cgPath, "cpu.max"), []byte(cpuMax), 0644); err != nil {
			_ = os.Remove(cgPath)
			return "", fmt.Errorf("set cpu.max: %w", err)
		}
	}

	return cgPath, nil
}

// OpenCgroupFD opens cgPath for use with SysProcAttr.CgroupFD so the child
// is born inside the leaf.
func OpenCgroupFD(cgPath string) (int, error) {
	fd, err := unix.Open(cgPath, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open cgroup %s: %w", cgPath, err)
	}
	return fd, nil
}

func AttachToCgroup(cgPath string, pid int) error {
	procsPath := filepath.Join(cgPath, "cgroup.procs")
	if err := os.WriteFile(procsPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("attach pid %d to cgroup: %w", pid, err)
	}
	return nil
}

// KillCgroup kills every task in cgPath, using cgroup.kill where the kernel
// has it and falling back to signalling each listed pid.
func KillCgroup(cgPath string) error {
	if err := os.WriteFile(filepath.Join(cgPath, "cgroup.kill"), []byte("1"), 0644); err == nil {
		return nil
	}
	if !cgroupExists(cgPath) {
		return nil
	}
	return KillCgroupProcesses(cgPath)
}

func KillCgroupProcesses(cgPath string) error {
	pids, err := CgroupProcs(cgPath)
	if err != nil {
		return err
	}
	for _, pid := range pids {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
	return nil
}

// CgroupProcs lists the pids in cgPath. A missing cgroup has none.
func CgroupProcs(cgPath string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(cgPath, "cgroup.procs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cgroup.procs: %w", err)
	}

	var pids []int
	for _, line := range strings.Split(string(data), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// CgroupOOMKills returns the oom_kill counter from memory.events.
func CgroupOOMKills(cgPath string) (int64, error) {
	f, err := os.Open(filepath.Join(cgPath, "memory.events"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "oom_kill" {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return 0, sc.Err()
}

// CgroupMemoryCurrent reads memory.current in bytes.
func CgroupMemoryCurrent(cgPath string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgPath, "memory.current"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// RemoveCgroup removes an emptied leaf. The kernel reports EBUSY for a
// short time after the last task exits, so it retries briefly.
func RemoveCgroup(cgPath string) error {
	var err error
	for i := 0; i < 10; i++ {
		err = os.Remove(cgPath)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		if !errors.Is(err, unix.EBUSY) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("remove cgroup %s: %w", cgPath, err)
}

func cgroupExists(cgPath string) bool {
	_, err := os.Stat(cgPath)
	return err == nil
}

func DetectCgroupV2() error {
	var stat unix.Statfs_t
	if err := unix.Statfs("/sys/fs/cgroup", &stat); err != nil {
		return fmt.Errorf("stat /sys/fs/cgroup: %w", err)
	}
	if stat.Type != unix.CGROUP2_SUPER_MAGIC {
		return fmt.Errorf("cgroup v2 not mounted at /sys/fs/cgroup")
	}
	return nil
}
