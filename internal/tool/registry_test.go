package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

type listedCaller struct {
	CallerFunc
	defs  []Definition
	ready bool
}

func (c listedCaller) Tools() []Definition { return c.defs }
func (c listedCaller) Ready(string) bool { return c.ready }

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter()
	var got Call
	r.Register("fs", CallerFunc(func(ctx context.Context, call Call) (*Response, error) {
		got = call
		return &Response{Content: "ok"}, nil
	}))

	resp, err := r.CallTool(context.Background(), Call{ID: "c1", Server: "fs", Name: "write_file"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "c1", got.ID)

	_, err = r.CallTool(context.Background(), Call{Server: "nope"})
	assert.Error(t, err)
}

func TestRouter_Ready(t *testing.T) {
	r := NewRouter()
	r.Register("plain", CallerFunc(func(ctx context.Context, call Call) (*Response, error) { return nil, nil }))
	r.Register("booting", listedCaller{ready: false})

	assert.True(t, r.Ready("plain"))
	assert.False(t, r.Ready("booting"))
	assert.False(t, r.Ready("unknown"))

	r.Unregister("plain")
	assert.False(t, r.Ready("plain"))
}

func TestRouter_ToolsAndResolve(t *testing.T) {
	r := NewRouter()
	r.Register("my server", listedCaller{defs: []Definition{{Name: "write.file"}, {Name: "read"}}})

	defs := r.Tools()
	require.Len(t, defs, 2)
	assert.Equal(t, "my server", defs[0].Server)
	assert.Equal(t, "my_server__read", QualifiedName(defs[0].Server, defs[0].Name))

	server, name, ok := r.Resolve("my_server__write_file")
	require.True(t, ok)
	assert.Equal(t, "my server", server)
	assert.Equal(t, "write.file", name)

	server, name, ok = r.Resolve("other__thing")
	assert.True(t, ok)
	assert.Equal(t, "other", server)
	assert.Equal(t, "thing", name)

	_, _, ok = r.Resolve("bare")
	assert.False(t, ok)
}

func TestCall_ArgumentsWithApproval(t *testing.T) {
	call := Call{Arguments: json.RawMessage(`{"path":"a.txt"}`)}
	args, err := call.ArgumentsWithApproval()
	require.NoError(t, err)
	assert.Equal(t, "a.txt", args["path"])
	assert.NotContains(t, args, ApprovalArgument)

	call.Approval = &Approval{PermissionType: types.PermissionWrite, Granted: []types.PermissionType{types.PermissionWrite}}
	args, err = call.ArgumentsWithApproval()
	require.NoError(t, err)
	assert.Equal(t, call.Approval, args[ApprovalArgument])

	_, err = Call{Arguments: json.RawMessage(`[1]`)}.ArgumentsWithApproval()
	assert.Error(t, err)
}

func TestResponse_NeedsPermission(t *testing.T) {
	var nilResp *Response
	assert.False(t, nilResp.NeedsPermission())
	assert.False(t, (&Response{}).NeedsPermission())
	assert.True(t, (&Response{RawData: &RawData{RequiresPermission: true}}).NeedsPermission())
}
