package casregistry

import "strings"

// Usage is the set of programs a backend is offered to.
type Usage uint8

const (
	// UsageCLI is commons-supplier, archiving evidence as it declares.
	UsageCLI Usage = 1 << iota
	// UsageDaemon is evidence-casd, serving a backend to other hosts.
	UsageDaemon
)

func (u Usage) allows(want Usage) bool { return u&want != 0 }

func (u Usage) String() string {
	var names []string
	if u&UsageCLI != 0 {
		names = append(names, "commons-supplier")
	}
	if u&UsageDaemon != 0 {
		names = append(names, "evidence-casd")
	}
	if len(names) == 0 {
		return "no program"
	}
	return strings.Join(names, " and ")
}
