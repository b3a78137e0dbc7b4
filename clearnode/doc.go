// Package clearnode is the protocol backend of the session client: the
// decoding of inbound clearing-node frames and the Remote strategy through
// which a billing session optionally mirrors itself onto the node.
//
// Decode turns one frame into exactly one typed Message or an error. There
// is no field probing: each method has a single schema and a frame that does
// not match it is rejected with ErrMalformed, which callers drop.
//
// Remote participation is optional. RPCRemote speaks create_app_session,
// submit_app_state and close_app_session over a request dispatcher;
// NopRemote is the local-only backend. The local ledger never depends on
// which one is in use.
package clearnode
