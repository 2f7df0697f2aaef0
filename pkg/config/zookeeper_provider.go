package config

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	zkSessionTimeout = 10 * time.Second
	zkWatchRetryWait = time.Second
)

// zookeeperProvider adapts a single ZooKeeper node to koanf's Provider
// interface. The node's data is the raw YAML config document.
type zookeeperProvider struct {
	conn *zk.Conn
	path string
}

func newZookeeperProvider(endpoints []string, path string) (*zookeeperProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("zookeeper endpoints are required")
	}
	if path == "" {
		return nil, fmt.Errorf("zookeeper path is required")
	}

	conn, _, err := zk.Connect(endpoints, zkSessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	return &zookeeperProvider{conn: conn, path: path}, nil
}

func (p *zookeeperProvider) ReadBytes() ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zookeeper node %s: %w", p.path, err)
	}
	return data, nil
}

// Read satisfies koanf.Provider; this provider only serves raw bytes which
// the loader runs through the YAML parser.
func (p *zookeeperProvider) Read() (map[string]interface{}, error) {
	return nil, fmt.Errorf("zookeeper provider serves raw bytes, use ReadBytes")
}

// Watch re-arms a data watch on the node and reports each change through
// callback. It returns when the node is deleted or the watch is lost; a
// failed re-arm waits before retrying so a flapping session does not spin.
func (p *zookeeperProvider) Watch(callback func(event interface{}, err error)) error {
	for {
		data, _, eventCh, err := p.conn.GetW(p.path)
		if err != nil {
			callback(nil, fmt.Errorf("failed to watch zookeeper node %s: %w", p.path, err))
			time.Sleep(zkWatchRetryWait)
			continue
		}

		switch ev := <-eventCh; ev.Type {
		case zk.EventNodeDataChanged:
			callback(data, nil)
		case zk.EventNodeDeleted:
			callback(nil, fmt.Errorf("zookeeper node %s was deleted", p.path))
			return nil
		case zk.EventNotWatching:
			callback(nil, fmt.Errorf("zookeeper watch lost for node %s", p.path))
			return nil
		}
	}
}

func (p *zookeeperProvider) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
