package model

import (
	"fmt"
	"strings"
)

// OS is an operating system tag. Values form a partial order: All is top,
// Posix supersumes every Unix, Darwin supersumes MacOSX, Windows
// supersumes Cygwin.
type OS string

const (
	OSAll     OS = "*"
	OSUnknown OS = ""
	OSPosix   OS = "POSIX"
	OSLinux   OS = "Linux"
	OSSolaris OS = "Solaris"
	OSFreeBSD OS = "FreeBSD"
	OSDarwin  OS = "Darwin"
	OSMacOSX  OS = "MacOSX"
	OSWindows OS = "Windows"
	OSCygwin  OS = "Cygwin"
)

// posixOSes is the set of Unix-family tags that Posix supersumes.
var posixOSes = map[OS]bool{
	OSLinux:   true,
	OSSolaris: true,
	OSFreeBSD: true,
	OSDarwin:  true,
	OSMacOSX:  true,
}

// supersumes reports whether impl (an implementation's declared OS)
// covers system (the running system's OS): impl is compatible with
// system iff impl supersumes system, or they're equal, or impl is All.
func (impl OS) supersumes(system OS) bool {
	if impl == system {
		return true
	}
	switch impl {
	case OSAll:
		return true
	case OSPosix:
		return posixOSes[system]
	case OSDarwin:
		return system == OSMacOSX
	case OSWindows:
		return system == OSCygwin
	}
	return false
}

// Cpu is a CPU architecture tag. Values form a partial order: All tops;
// i386 <= i486 <= i586 <= i686; armv6l <= armv7l.
type Cpu string

const (
	CpuAll     Cpu = "*"
	CpuUnknown Cpu = ""
	CpuI386    Cpu = "i386"
	CpuI486    Cpu = "i486"
	CpuI586    Cpu = "i586"
	CpuI686    Cpu = "i686"
	CpuPpc     Cpu = "ppc"
	CpuPpc64   Cpu = "ppc64"
	CpuX86_64  Cpu = "x86_64"
	CpuArmv6l  Cpu = "armv6l"
	CpuArmv7l  Cpu = "armv7l"
	CpuArm64   Cpu = "arm64"
)

var x86Order = []Cpu{CpuI386, CpuI486, CpuI586, CpuI686}
var armOrder = []Cpu{CpuArmv6l, CpuArmv7l}

func indexOf(order []Cpu, c Cpu) int {
	for i, v := range order {
		if v == c {
			return i
		}
	}
	return -1
}

// supersumes reports whether impl (an implementation's declared CPU)
// covers system (the running system's CPU).
func (impl Cpu) supersumes(system Cpu) bool {
	if impl == system {
		return true
	}
	if impl == CpuAll {
		return true
	}
	if i, j := indexOf(x86Order, impl), indexOf(x86Order, system); i >= 0 && j >= 0 {
		return i >= j
	}
	if i, j := indexOf(armOrder, impl), indexOf(armOrder, system); i >= 0 && j >= 0 {
		return i >= j
	}
	return false
}

// Architecture is an (OS, Cpu) pair.
type Architecture struct {
	OS  OS
	Cpu Cpu
}

// Compatible reports whether impl (the architecture an implementation
// declares) is usable on system (the architecture of the running host).
// Unknown on either side is never compatible. Compatibility is reflexive
// but not symmetric: All is compatible with everything, but not the
// other way around.
func (impl Architecture) Compatible(system Architecture) bool {
	if impl.OS == OSUnknown || impl.Cpu == CpuUnknown ||
		system.OS == OSUnknown || system.Cpu == CpuUnknown {
		return false
	}
	return impl.OS.supersumes(system.OS) && impl.Cpu.supersumes(system.Cpu)
}

// ParseArchitecture parses the "OS-CPU" form used by the arch= attribute,
// e.g. "Linux-x86_64" or "*-*".
func ParseArchitecture(s string) (Architecture, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Architecture{}, fmt.Errorf("malformed architecture %q: expected OS-CPU", s)
	}
	return Architecture{OS: OS(parts[0]), Cpu: Cpu(parts[1])}, nil
}

func (a Architecture) String() string {
	return fmt.Sprintf("%s-%s", a.OS, a.Cpu)
}
