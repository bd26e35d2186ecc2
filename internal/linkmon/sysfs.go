package linkmon

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const sysClassNet = "/sys/class/net"

// learnKind inspects /sys/class/net/<name>/uevent to classify an
// interface: absence of DEVTYPE means ethernet,
// DEVTYPE=vlan means vlan, DEVTYPE=bond means bond.
func learnKind(name string) (Kind, error) {
	devtype, err := ueventDevtype(name)
	if err != nil {
		return "", err
	}
	switch devtype {
	case "":
		return KindEthernet, nil
	case "vlan":
		return KindVLAN, nil
	case "bond":
		return KindBond, nil
	default:
		return KindEthernet, nil
	}
}

func ueventDevtype(name string) (string, error) {
	f, err := os.Open(filepath.Join(sysClassNet, name, "uevent"))
	if err != nil {
		return "", fmt.Errorf("read uevent for %s: %w", name, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if k, v, ok := strings.Cut(line, "="); ok && k == "DEVTYPE" {
			return v, nil
		}
	}
	return "", sc.Err()
}

// vlanParent follows sysfs iflink to find a VLAN's parent interface
// name.
func vlanParent(name string) (string, error) {
	entries, err := os.ReadDir(sysClassNet)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", sysClassNet, err)
	}
	ifindex, err := readTrimmed(filepath.Join(sysClassNet, name, "iflink"))
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Name() == name {
			continue
		}
		idx, err := readTrimmed(filepath.Join(sysClassNet, e.Name(), "ifindex"))
		if err == nil && idx == ifindex {
			return e.Name(), nil
		}
	}
	return "", fmt.Errorf("vlan parent for %s not found", name)
}

// bondSlaves parses sysfs bonding/slaves for a bond interface's two
// member names.
func bondSlaves(name string) ([2]string, error) {
	var out [2]string
	raw, err := readTrimmed(filepath.Join(sysClassNet, name, "bonding", "slaves"))
	if err != nil {
		return out, err
	}
	fields := strings.Fields(raw)
	for i := 0; i < len(fields) && i < 2; i++ {
		out[i] = fields[i]
	}
	return out, nil
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
