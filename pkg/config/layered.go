package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/atlassian/harvestd/pkg/util"
)

const (
	// DefaultKey is the instance whose options are merged beneath every other instance of a section.
	DefaultKey = "_default"
	// OrderKey is an optional list fixing the order instances of a section are processed in.
	OrderKey = "order"

	paramEnabled = "enabled"
	paramType    = "type"
)

// Layered resolves plugin instance configuration out of the top level configuration.
type Layered struct {
	v *viper.Viper
}

// NewLayered creates a Layered backed by v. v must not be modified while the Layered is in use.
func NewLayered(v *viper.Viper) *Layered {
	return &Layered{v: v}
}

// Instances returns the instance names of a section in processing order: the section's order list if
// present, otherwise sorted by name. Any extra names not configured in the section are appended, sorted.
func (l *Layered) Instances(section string, extra ...string) []string {
	seen := map[string]bool{}
	var names []string
	add := func(name string) {
		if name == "" || name == DefaultKey || name == OrderKey || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	for _, name := range l.v.GetStringSlice(section + "." + OrderKey) {
		add(name)
	}

	var configured []string
	for name := range l.v.GetStringMap(section) {
		configured = append(configured, name)
	}
	sort.Strings(configured)
	for _, name := range configured {
		add(name)
	}

	sortedExtra := append([]string(nil), extra...)
	sort.Strings(sortedExtra)
	for _, name := range sortedExtra {
		add(strings.ToLower(name))
	}
	return names
}

// Resolve returns a new viper holding <section>._default deep merged with <section>.<name>. The type option
// defaults to the instance name.
func (l *Layered) Resolve(section, name string) (*viper.Viper, error) {
	resolved := viper.New()
	util.InitViper(resolved, section+"."+name)
	for _, key := range []string{section + "." + DefaultKey, section + "." + name} {
		m, err := stringMap(l.v.Get(key))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if err := resolved.MergeConfigMap(m); err != nil {
			return nil, fmt.Errorf("merging %s: %w", key, err)
		}
	}
	resolved.SetDefault(paramEnabled, true)
	resolved.SetDefault(paramType, name)
	return resolved, nil
}

// Enabled reports whether an instance should be constructed. The instance's own enabled option is overridden
// by enable, which is overridden by disable.
func Enabled(name string, resolved *viper.Viper, enable, disable []string) bool {
	if contains(disable, name) {
		return false
	}
	if contains(enable, name) {
		return true
	}
	return resolved.GetBool(paramEnabled)
}

func contains(list []string, name string) bool {
	for _, s := range list {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// stringMap converts the nested maps produced by the various config file decoders into
// map[string]interface{} all the way down, so they can be deep merged.
func stringMap(raw interface{}) (map[string]interface{}, error) {
	switch m := raw.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		result := make(map[string]interface{}, len(m))
		for k, v := range m {
			result[strings.ToLower(k)] = normalize(v)
		}
		return result, nil
	case map[interface{}]interface{}:
		result := make(map[string]interface{}, len(m))
		for k, v := range m {
			result[strings.ToLower(fmt.Sprint(k))] = normalize(v)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("expected a map, got %T", raw)
	}
}

func normalize(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, map[interface{}]interface{}:
		m, _ := stringMap(v)
		return m
	case []interface{}:
		list := v.([]interface{})
		result := make([]interface{}, len(list))
		for i, item := range list {
			result[i] = normalize(item)
		}
		return result
	default:
		return v
	}
}

// Instance is a resolved plugin instance.
type Instance struct {
	Name   string
	Type   string
	Config *viper.Viper
}

// EnabledInstances resolves every enabled instance of a section, in processing order. Instances named in
// enable are included even when they are not configured.
func (l *Layered) EnabledInstances(section string, enable, disable []string) ([]Instance, error) {
	var instances []Instance
	for _, name := range l.Instances(section, enable...) {
		resolved, err := l.Resolve(section, name)
		if err != nil {
			return nil, err
		}
		if !Enabled(name, resolved, enable, disable) {
			continue
		}
		instances = append(instances, Instance{
			Name:   name,
			Type:   resolved.GetString(paramType),
			Config: resolved,
		})
	}
	return instances, nil
}
