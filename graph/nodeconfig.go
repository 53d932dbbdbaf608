package graph

import (
	"encoding/json"
	"time"
)

// NodeConfig contains configuration data meant for customizing the functionality
// of a Node. Values come straight from JSON, so numbers arrive as float64.
type NodeConfig struct {
	config map[string]interface{}
}

func NewNodeConfig(cfg map[string]interface{}) NodeConfig {
	return NodeConfig{config: cfg}
}

func (c *NodeConfig) Get(key string) interface{} {
	return c.config[key]
}

func (c *NodeConfig) Has(key string) bool {
	_, ok := c.config[key]
	return ok
}

func (c *NodeConfig) GetString(key string) string {
	if val, ok := c.config[key]; ok {
		if v, ok := val.(string); ok {
			return v
		}
	}
	return ""
}

func (c *NodeConfig) GetStringMap(key string) map[string]interface{} {
	val, ok := c.config[key]
	if !ok {
		return nil
	}
	if m, ok := val.(map[string]interface{}); ok {
		return m
	}
	return nil
}

func (c *NodeConfig) GetSlice(key string) []interface{} {
	if val, ok := c.config[key]; ok {
		if v, ok := val.([]interface{}); ok {
			return v
		}
	}
	return nil
}

func (c *NodeConfig) GetInt(key string) int {
	if val, ok := c.config[key]; ok {
		switch t := val.(type) {
		case int:
			return t
		case int64:
			return int(t)
		case int32:
			return int(t)
		case float64:
			return int(t)
		}
	}
	return 0
}

func (c *NodeConfig) GetFloat64(key string) float64 {
	if val, ok := c.config[key]; ok {
		switch t := val.(type) {
		case float64:
			return t
		case float32:
			return float64(t)
		case int:
			return float64(t)
		case int64:
			return float64(t)
		}
	}
	return 0
}

// GetDuration accepts either a Go duration string ("250ms") or a number of
// milliseconds.
func (c *NodeConfig) GetDuration(key string) time.Duration {
	val, ok := c.config[key]
	if !ok {
		return 0
	}
	switch t := val.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0
		}
		return d
	case float64:
		return time.Duration(t * float64(time.Millisecond))
	case int:
		return time.Duration(t) * time.Millisecond
	}
	return 0
}

func (c *NodeConfig) GetBool(key string) bool {
	if val, ok := c.config[key]; ok {
		if v, ok := val.(bool); ok {
			return v
		}
	}
	return false
}

func (c NodeConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.config)
}

func (c *NodeConfig) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &c.config)
}
