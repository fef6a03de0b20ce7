package daemon

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/swarmnet/storagenode/snode"
	"github.com/swarmnet/storagenode/swarm"
)

type seedNode struct {
	LegacyPubkey  string `yaml:"legacy_pubkey"`
	Ed25519Pubkey string `yaml:"ed25519_pubkey"`
	X25519Pubkey  string `yaml:"x25519_pubkey"`
	IP            string `yaml:"ip"`
	Port          uint16 `yaml:"port"`
}

type seedSwarm struct {
	SwarmID uint64     `yaml:"swarm_id"`
	Members []seedNode `yaml:"members"`
}

type seedFile struct {
	Height uint64      `yaml:"height"`
	Swarms []seedSwarm `yaml:"swarms"`
}

// LoadSeedSnapshot reads a statically-configured swarm snapshot from a
// YAML file in the data directory, used to prime the swarm model while
// the daemon is still syncing after a restart. The next successful
// get_n_service_nodes refresh replaces it entirely.
func LoadSeedSnapshot(path string) (swarm.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return swarm.Snapshot{}, fmt.Errorf("reading seed file: %w", err)
	}

	var seeds seedFile
	if err := yaml.Unmarshal(raw, &seeds); err != nil {
		return swarm.Snapshot{}, fmt.Errorf("parsing seed file: %w", err)
	}

	snap := swarm.Snapshot{Height: seeds.Height}
	for _, s := range seeds.Swarms {
		d := swarm.Descriptor{SwarmID: s.SwarmID}
		for _, m := range s.Members {
			d.Members = append(d.Members, snode.SnRecord{
				LegacyPubkey:  m.LegacyPubkey,
				Ed25519Pubkey: m.Ed25519Pubkey,
				X25519Pubkey:  m.X25519Pubkey,
				IP:            m.IP,
				Port:          m.Port,
			})
		}
		snap.Swarms = append(snap.Swarms, d)
	}
	return snap, nil
}
