//go:build linux

package linkmon

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// netnsHandle is an open network-namespace file, kept so a capture worker
// can enter it later from its own locked thread.
type netnsHandle struct {
	file *os.File
}

func (h *netnsHandle) enter() error {
	return unix.Setns(int(h.file.Fd()), unix.CLONE_NEWNET)
}

func (h *netnsHandle) close() {
	h.file.Close()
}

const (
	rtmGetNSID = 90

	netnsaNSID = 1
	netnsaFD   = 3
)

// findNetns resolves a kernel-local nsid (as seen from our current
// namespace, carried on IFLA_LINK_NETNSID) to an open namespace file by
// probing every candidate namespace under /proc/*/ns/net and
// /var/run/netns/* with RTM_GETNSID until one matches. Grounded on
// orig:src/link/linux/peer.rs findns(), adapted to Go's netns-by-fd model
// (no global nsid table lookup syscall is exposed directly; RTM_GETNSID's
// NETNSA_FD form is the supported way to ask "what nsid is this fd?").
func findNetns(nsid int32) (*netnsHandle, error) {
	conn, err := netlink.Dial(0, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	for _, path := range candidateNetnsPaths() {
		f, err := os.Open(path)
		if err != nil {
			continue
		}

		got, err := queryNSID(conn, f)
		if err != nil {
			f.Close()
			continue
		}
		if got == nsid {
			return &netnsHandle{file: f}, nil
		}
		f.Close()
	}

	return nil, fmt.Errorf("no namespace found for nsid %d", nsid)
}

func candidateNetnsPaths() []string {
	var paths []string

	if entries, err := os.ReadDir("/proc"); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				paths = append(paths, filepath.Join("/proc", e.Name(), "ns", "net"))
			}
		}
	}
	if entries, err := os.ReadDir("/var/run/netns"); err == nil {
		for _, e := range entries {
			paths = append(paths, filepath.Join("/var/run/netns", e.Name()))
		}
	}
	return paths
}

// queryNSID sends RTM_GETNSID with NETNSA_FD=fd and parses the NETNSA_NSID
// attribute from the response.
func queryNSID(conn *netlink.Conn, f *os.File) (int32, error) {
	fd := uint32(f.Fd())
	attr := make([]byte, 8)
	binary.LittleEndian.PutUint16(attr[0:2], 8)
	binary.LittleEndian.PutUint16(attr[2:4], netnsaFD)
	binary.LittleEndian.PutUint32(attr[4:8], fd)

	req := netlink.Message{
		Header: netlink.Header{
			Type:  rtmGetNSID,
			Flags: nlmFRequest,
		},
		Data: append([]byte{afUnspec, 0, 0, 0}, attr...),
	}

	resp, err := conn.Execute(req)
	if err != nil {
		return 0, err
	}
	if len(resp) == 0 {
		return 0, fmt.Errorf("empty RTM_GETNSID response")
	}

	data := resp[0].Data
	const rtgenmsgLen = 4
	if len(data) < rtgenmsgLen {
		return 0, fmt.Errorf("short netnsid response")
	}

	for attrs := data[rtgenmsgLen:]; len(attrs) >= 4; {
		attrLen := int(binary.LittleEndian.Uint16(attrs[0:2]))
		attrType := binary.LittleEndian.Uint16(attrs[2:4])
		if attrLen < 4 || attrLen > len(attrs) {
			break
		}
		if attrType == netnsaNSID && attrLen == 8 {
			return int32(binary.LittleEndian.Uint32(attrs[4:8])), nil
		}
		advance := (attrLen + 3) &^ 3
		if advance <= 0 || advance > len(attrs) {
			break
		}
		attrs = attrs[advance:]
	}

	return 0, fmt.Errorf("NETNSA_NSID not present in response")
}

// linkAt looks up a single link by index inside ns, temporarily entering it
// on a locked OS thread and returning to the starting namespace afterwards.
func linkAt(ns *netnsHandle, index uint32) (link, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	self, err := os.Open("/proc/self/ns/net")
	if err != nil {
		return link{}, err
	}
	defer self.Close()

	if err := ns.enter(); err != nil {
		return link{}, err
	}
	defer unix.Setns(int(self.Fd()), unix.CLONE_NEWNET)

	conn, err := netlink.Dial(0, nil)
	if err != nil {
		return link{}, err
	}
	defer conn.Close()

	req := netlink.Message{
		Header: netlink.Header{
			Type:  rtmGetLink,
			Flags: nlmFRequest | nlmFDump,
		},
		Data: []byte{afUnspec, 0, 0, 0},
	}

	msgs, err := conn.Execute(req)
	if err != nil {
		return link{}, err
	}

	for _, raw := range msgs {
		l, err := parseLink(raw.Data)
		if err == nil && l.index == index {
			return l, nil
		}
	}

	return link{}, fmt.Errorf("no link at index %d in target namespace", index)
}
