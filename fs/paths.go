package fs

import "fmt"

// Every artifact persisted for a set is derived deterministically from the set
// name, so a restarted job can find them with nothing but the name.

// StatePath returns the path of the state marker file for a set name. Only each
// storage group's rank 0 reads or writes it.
func StatePath(name string) string {
	return fmt.Sprintf("%s.state", name)
}

// AssocPath returns the path of the file-to-process association file for a set
// name. The file is owned and interpreted by the placement package.
func AssocPath(name string) string {
	return fmt.Sprintf("%s.assoc", name)
}

// RankPath returns the per-process redundancy descriptor path: the set name with
// the process's world rank appended.
func RankPath(name string, rank int) string {
	return fmt.Sprintf("%s.%d", name, rank)
}
