package zkclient

import (
	"fmt"

	"github.com/go-zookeeper/zk"
	"go.uber.org/multierr"
)

// Multi submits the operations as one indivisible transaction; the service
// applies all of them or none. Results are paired positionally with ops.
// When any per-op result carries an error, the call fails with an aggregated
// error enumerating every failing op's path and code. Ops are the protocol
// request structs: *zk.CreateRequest, *zk.SetDataRequest, *zk.DeleteRequest,
// *zk.CheckVersionRequest.
func (c *Client) Multi(ops []any, retryOnConnLoss bool) (results []zk.MultiResponse, err error) {
	err = c.run(retryOnConnLoss, func() error {
		var opErr error
		results, opErr = c.session().Multi(ops...)
		if IsConnectionLoss(opErr) {
			return opErr
		}
		// The transaction is already applied (or rejected) atomically at this
		// point; inspect the per-op outcomes.
		var agg error
		for i, res := range results {
			if res.Error != nil {
				agg = multierr.Append(agg, fmt.Errorf("op %d, path %q: %w", i, opPath(ops[i]), res.Error))
			}
		}
		if agg != nil {
			return fmt.Errorf("multi failed: %w", agg)
		}
		return opErr
	})
	return results, err
}

// CreateOp builds a persistent-create op for Multi using the ACL provider's
// current list.
func (c *Client) CreateOp(path string, data []byte) *zk.CreateRequest {
	return &zk.CreateRequest{
		Path:  path,
		Data:  data,
		Acl:   c.ACLProvider().ACLsFor(path),
		Flags: 0,
	}
}

// SetDataOp builds a set-data op for Multi.
func (c *Client) SetDataOp(path string, data []byte, version int32) *zk.SetDataRequest {
	return &zk.SetDataRequest{Path: path, Data: data, Version: version}
}

// DeleteOp builds a delete op for Multi.
func (c *Client) DeleteOp(path string, version int32) *zk.DeleteRequest {
	return &zk.DeleteRequest{Path: path, Version: version}
}

func opPath(op any) string {
	switch o := op.(type) {
	case *zk.CreateRequest:
		return o.Path
	case *zk.SetDataRequest:
		return o.Path
	case *zk.DeleteRequest:
		return o.Path
	case *zk.CheckVersionRequest:
		return o.Path
	default:
		return fmt.Sprintf("(%T)", op)
	}
}
