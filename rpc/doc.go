// Package rpc defines the clearing-node wire vocabulary: method names and the
// params payload for every message the session client sends or accepts.
//
// Each message type has exactly one schema. Amounts travel as decimal
// strings and addresses as 0x-prefixed hex so that a payload round-trips without
// precision loss:
//
//	params := rpc.SubmitAppStateParams{
//	    AppSessionID: "0x5f...",
//	    Version:      2,
//	    Allocations: []rpc.Allocation{
//	        {Participant: payer, Asset: "eth", Amount: decimal.RequireFromString("0.098")},
//	        {Participant: payee, Asset: "eth", Amount: decimal.RequireFromString("0.002")},
//	    },
//	}
//
// The envelope around params (id, timestamp, signatures) is owned by the
// transport-facing packages; see clearnode.Decode for the inbound side.
package rpc
