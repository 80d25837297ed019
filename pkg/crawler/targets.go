package crawler

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fineprintai/engine/pkg/errkind"
)

// targetsFile is the on-disk shape of a static monitoring target list.
type targetsFile struct {
	Targets []targetEntry `yaml:"targets"`
}

type targetEntry struct {
	URL            string   `yaml:"url"`
	SelectorHints  []string `yaml:"selector_hints"`
	DocumentType   string   `yaml:"document_type"`
	CadenceSeconds int      `yaml:"cadence_seconds"`
	OwnerID        string   `yaml:"owner_id"`
}

// LoadTargets reads a YAML target list for the swarm. Entries without a
// document type default to "other"; Swarm.Add does the URL and cadence
// validation when the targets are registered.
func LoadTargets(path string) ([]MonitoringTarget, error) {
	const op = "crawler.LoadTargets"

	data, err := os.ReadFile(path) // #nosec G304 -- path from trusted config
	if err != nil {
		return nil, errkind.E(errkind.NotFound, op, err)
	}
	var f targetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}

	targets := make([]MonitoringTarget, 0, len(f.Targets))
	for _, e := range f.Targets {
		docType := e.DocumentType
		if docType == "" {
			docType = "other"
		}
		targets = append(targets, MonitoringTarget{
			URL:            e.URL,
			SelectorHints:  e.SelectorHints,
			DocumentType:   docType,
			CadenceSeconds: e.CadenceSeconds,
			OwnerID:        e.OwnerID,
		})
	}
	return targets, nil
}
