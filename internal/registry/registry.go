// Package registry holds the recording setup: which capture channel
// carries which physical ARINC 429 bus and at what speed.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"example.com/a429gate/arinc429"
)

// Bus is one registered receiver line.
type Bus struct {
	Channel uint16
	Bus     uint8
	Name    string
	Speed   arinc429.Speed
}

// File mirrors the on-disk TOML layout.
type File struct {
	Bus []BusEntry `toml:"bus"`
}

// BusEntry is the raw form of one [[bus]] table.
type BusEntry struct {
	Channel int    `toml:"channel"`
	Bus     int    `toml:"bus"`
	Name    string `toml:"name"`
	Speed   string `toml:"speed"`
}

// Registry answers lookups by channel and bus number.
type Registry struct {
	buses map[busKey]Bus
}

type busKey struct {
	channel uint16
	bus     uint8
}

// FromFile validates the raw entries and builds a Registry.
func FromFile(file File) (*Registry, error) {
	reg := &Registry{
		buses: make(map[busKey]Bus),
	}
	for i, entry := range file.Bus {
		if entry.Channel < 0 || entry.Channel > 0xFFFF {
			return nil, fmt.Errorf("bus[%d]: channel out of range", i)
		}
		if entry.Bus < 0 || entry.Bus > 0xFF {
			return nil, fmt.Errorf("bus[%d]: bus number out of range", i)
		}
		speedText := strings.TrimSpace(entry.Speed)
		if speedText == "" {
			return nil, fmt.Errorf("bus[%d]: speed required", i)
		}
		speed, err := arinc429.ParseSpeed(speedText)
		if err != nil {
			return nil, fmt.Errorf("bus[%d]: %w", i, err)
		}
		key := busKey{channel: uint16(entry.Channel), bus: uint8(entry.Bus)}
		if _, exists := reg.buses[key]; exists {
			return nil, fmt.Errorf("bus[%d]: duplicate channel/bus", i)
		}
		reg.buses[key] = Bus{
			Channel: key.channel,
			Bus:     key.bus,
			Name:    strings.TrimSpace(entry.Name),
			Speed:   speed,
		}
	}
	return reg, nil
}

// Lookup returns the registered bus for a channel/bus pair.
func (r *Registry) Lookup(channel uint16, bus uint8) (Bus, bool) {
	if r == nil {
		return Bus{}, false
	}
	entry, ok := r.buses[busKey{channel: channel, bus: bus}]
	return entry, ok
}

// HasChannel reports whether any bus is registered on the channel.
func (r *Registry) HasChannel(channel uint16) bool {
	if r == nil {
		return false
	}
	for key := range r.buses {
		if key.channel == channel {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the registry holds no entries.
func (r *Registry) IsEmpty() bool {
	if r == nil {
		return true
	}
	return len(r.buses) == 0
}

// Len returns the number of registered buses.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.buses)
}

// Buses returns every registered bus ordered by channel then bus number.
func (r *Registry) Buses() []Bus {
	if r == nil {
		return nil
	}
	out := make([]Bus, 0, len(r.buses))
	for _, entry := range r.buses {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Bus < out[j].Bus
	})
	return out
}
