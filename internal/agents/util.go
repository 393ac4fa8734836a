package agents

import "fmt"

func errUnknownRoute(path string) error {
	return fmt.Errorf("unknown route %s", path)
}
