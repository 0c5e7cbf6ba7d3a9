package store

import "fmt"

// Key layout, one namespace per prefix:
//
//	conv:<convID>:meta                     conversation document
//	conv:<convID>:msg:<ts>-<seq>           message document (sortable suffix)
//	msg:<msgID>                            message id -> message key
//	pair:<userA>|<userB>                   unordered pair -> conversation id
//	user:<userID>:conv:<convID>            membership index for listFor
//
// Timestamps are zero-padded nanoseconds so lexicographic key order equals
// (createdAt, seq) order.

func ConvKey(convID string) string {
	return "conv:" + convID + ":meta"
}

func MsgKey(convID string, ts int64, seq uint64) string {
	return fmt.Sprintf("conv:%s:msg:%020d-%010d", convID, ts, seq)
}

func MsgPrefix(convID string) string {
	return "conv:" + convID + ":msg:"
}

func MsgIDKey(msgID string) string {
	return "msg:" + msgID
}

func PairIdxKey(pair string) string {
	return "pair:" + pair
}

func UserConvKey(user, convID string) string {
	return "user:" + user + ":conv:" + convID
}

func UserConvPrefix(user string) string {
	return "user:" + user + ":conv:"
}
