package types

import "fmt"

// Descriptor is everything a caller needs to open an SSH session against a
// node started by a provisioning driver. It is produced once per start and
// never mutated afterwards.
type Descriptor struct {
	// Name is the value of the node's 'Name' tag.
	Name string `json:"name"`
	// Hostname is the node's public DNS name.
	Hostname string `json:"hostname"`
	// User is the login user baked into the node's image.
	User string `json:"user"`
	// KeyFile is the path to the private key accepted by the node.
	KeyFile string `json:"key_file"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s@%s)", d.Name, d.User, d.Hostname)
}
