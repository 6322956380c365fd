// Package seedrpc is the Seed service's RPC surface: bind_node,
// bind_server and bind_client, exposed over real google.golang.org/grpc
// streams. No protoc toolchain or .proto file is available anywhere in
// this environment, so instead of generated *_pb2.go stubs this package
// hand-writes the grpc.ServiceDesc a code generator would otherwise
// produce, and moves plain Go structs across the wire with a small JSON
// encoding.Codec registered in place of the protobuf codec. Every other
// piece of gRPC — the server, the ClientConn, streaming, deadlines,
// flow control — is the genuine library, not a reimplementation.
package seedrpc

// Address is a routable (IP, port) pair, used for the NAT-observed
// endpoints Seed hands back in bind_client responses.
type Address struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// NodeBindingRequest is sent once over the bind_node stream: a node
// announcing itself to the cluster.
type NodeBindingRequest struct {
	ClusterID   string `json:"cluster_id"`
	VirtualIP   string `json:"virtual_ip"`
	ClusterSize uint32 `json:"cluster_size"`
}

// NodeBindingResponse is the single response sent once the cluster has
// reached ClusterSize bound nodes.
type NodeBindingResponse struct{}

// ServerBindingRequest is sent once over the bind_server stream: a
// listening application server announcing the virtual address it is
// reachable at and the certificate its QUIC endpoint will present.
type ServerBindingRequest struct {
	ClusterID            string `json:"cluster_id"`
	VirtualIP            string `json:"virtual_ip"`
	ServerCertificateDER []byte `json:"server_certificate_der"`
}

// ServerPunchRequest is pushed to a bound server's stream whenever a
// client resolves its virtual address: the server dials the client's
// NAT endpoint to open (or refresh) its own side of the hole.
type ServerPunchRequest struct {
	ClientNatedAddr Address `json:"client_nated_addr"`
	ClientVirtualIP string  `json:"client_virtual_ip"`
}

// ClientBindingRequest is the unary bind_client call: a client resolving
// a virtual address to a real endpoint.
type ClientBindingRequest struct {
	ClusterID       string `json:"cluster_id"`
	SourceVirtualIP string `json:"source_virtual_ip"`
	TargetVirtualIP string `json:"target_virtual_ip"`
}

// ClientBindingResponse answers a bind_client call. FailedPunchRequest is
// set when the server's push sink was already closed by the time
// resolution completed (spec.md §7, "Seed push to closed sink"); the
// client still proceeds and discovers the failure itself at try_target.
type ClientBindingResponse struct {
	TargetNatedAddr    Address `json:"target_nated_addr"`
	ServerCertificate  []byte  `json:"server_certificate"`
	FailedPunchRequest bool    `json:"failed_punch_request"`
}
