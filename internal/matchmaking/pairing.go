package matchmaking

// Pair 先進先出的交叉配對
//
// 兩個前段視窗都已按加入時間升序排列，逐位置配對：
// 最早的 CAT 對最早的 DOG、第二早對第二早……共 min(m, n) 組。
// 不做評分；視窗外的玩家留待之後的 tick。
func Pair(cats, dogs []QueueEntry) []MatchCandidate {
	n := min(len(cats), len(dogs))
	if n == 0 {
		return nil
	}

	candidates := make([]MatchCandidate, n)
	for i := range n {
		candidates[i] = MatchCandidate{Cat: cats[i], Dog: dogs[i]}
	}
	return candidates
}
