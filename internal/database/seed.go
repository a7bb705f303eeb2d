package database

import (
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type seedTag struct {
	name, display, category string
	stage                   int
	prereq                  string
}

// canonicalTags is the knowledge-point catalogue, grouped by training stage:
// 1 syntax, 2 basic algorithms, 3 CSP-J, 4 CSP-S, 5 provincial, 6 NOI.
var canonicalTags = []seedTag{
	{"variables", "变量与数据类型", "basic", 1, ""},
	{"io", "输入输出", "basic", 1, ""},
	{"condition", "条件判断", "basic", 1, ""},
	{"loop", "循环", "basic", 1, ""},
	{"array", "数组", "basic", 1, ""},
	{"function", "函数", "basic", 1, ""},
	{"string_basic", "字符串处理", "string", 1, ""},
	{"struct", "结构体", "basic", 1, ""},
	{"pointer", "指针/引用", "basic", 1, ""},
	{"file_io", "文件读写", "basic", 1, ""},

	{"simulation", "模拟", "basic", 2, ""},
	{"enumeration", "枚举", "basic", 2, ""},
	{"sort_basic", "排序(冒泡/选择/插入)", "basic", 2, `["array","loop"]`},
	{"sort_advanced", "排序(快排/归并)", "basic", 2, `["sort_basic","function"]`},
	{"binary_search", "二分查找", "basic", 2, `["sort_basic"]`},
	{"prefix_sum", "前缀和", "basic", 2, `["array"]`},
	{"difference", "差分", "basic", 2, `["prefix_sum"]`},
	{"two_pointer", "双指针", "basic", 2, `["array","sort_basic"]`},
	{"greedy_basic", "贪心", "basic", 2, `["sort_basic"]`},
	{"high_precision", "高精度计算", "math", 2, `["array","string_basic"]`},
	{"recursion", "递推与递归", "basic", 2, `["function"]`},
	{"bit_operation", "位运算", "basic", 2, ""},

	{"stack", "栈", "ds", 3, `["array"]`},
	{"queue", "队列", "ds", 3, `["array"]`},
	{"linked_list", "链表", "ds", 3, `["pointer","struct"]`},
	{"hash_table", "哈希表", "ds", 3, `["array"]`},
	{"dfs", "DFS深度优先搜索", "search", 3, `["recursion"]`},
	{"bfs", "BFS广度优先搜索", "search", 3, `["queue"]`},
	{"dp_linear", "线性DP", "dp", 3, `["recursion","array"]`},
	{"dp_knapsack_basic", "简单背包", "dp", 3, `["dp_linear"]`},
	{"number_theory_basic", "基础数论(GCD/LCM/素数筛)", "math", 3, `["loop","function"]`},
	{"graph_basic", "简单图论(邻接表/矩阵/遍历)", "graph", 3, `["dfs","bfs","array"]`},
	{"string_processing", "基础字符串处理", "string", 3, `["string_basic","array"]`},

	{"dp_interval", "区间DP", "dp", 4, `["dp_linear"]`},
	{"dp_tree", "树形DP", "dp", 4, `["dp_linear","dfs","graph_basic"]`},
	{"dp_bitmask", "状压DP", "dp", 4, `["dp_linear"]`},
	{"dp_digit", "数位DP", "dp", 4, `["dp_linear","recursion"]`},
	{"search_pruning", "搜索剪枝", "search", 4, `["dfs","bfs"]`},
	{"search_iterative_deepening", "迭代加深", "search", 4, `["dfs"]`},
	{"search_bidirectional_bfs", "双向BFS", "search", 4, `["bfs"]`},
	{"search_astar", "A*搜索", "search", 4, `["bfs"]`},
	{"shortest_path", "最短路(Dijkstra/SPFA/Floyd)", "graph", 4, `["graph_basic"]`},
	{"mst", "最小生成树(Kruskal/Prim)", "graph", 4, `["graph_basic","union_find"]`},
	{"topo_sort", "拓扑排序", "graph", 4, `["graph_basic","queue"]`},
	{"lca", "LCA最近公共祖先", "graph", 4, `["graph_basic","dfs"]`},
	{"tarjan_scc", "强连通分量(Tarjan)", "graph", 4, `["dfs","graph_basic"]`},
	{"union_find", "并查集", "ds", 4, `["array"]`},
	{"heap", "堆", "ds", 4, `["array"]`},
	{"sparse_table", "ST表", "ds", 4, `["array","prefix_sum"]`},
	{"bit", "树状数组", "ds", 4, `["array","prefix_sum"]`},
	{"segment_tree", "线段树", "ds", 4, `["recursion","array"]`},
	{"monotone_stack", "单调栈", "ds", 4, `["stack"]`},
	{"monotone_queue", "单调队列", "ds", 4, `["queue"]`},
	{"combinatorics", "组合数学", "math", 4, `["number_theory_basic"]`},
	{"inclusion_exclusion", "容斥原理", "math", 4, `["combinatorics"]`},
	{"fast_power", "快速幂", "math", 4, `["recursion"]`},
	{"modular_inverse", "逆元", "math", 4, `["fast_power","number_theory_basic"]`},
	{"kmp", "KMP字符串匹配", "string", 4, `["string_processing"]`},
	{"trie", "Trie字典树", "string", 4, `["string_processing"]`},
	{"string_hash", "字符串哈希", "string", 4, `["string_processing"]`},

	{"balanced_tree", "平衡树(Treap/Splay)", "ds", 5, `["segment_tree"]`},
	{"persistent_ds", "可持久化数据结构(主席树)", "ds", 5, `["segment_tree"]`},
	{"heavy_light", "树链剖分", "ds", 5, `["segment_tree","dfs","lca"]`},
	{"centroid_decomposition", "点分治/边分治", "ds", 5, `["dfs","graph_basic"]`},
	{"suffix_array", "后缀数组", "string", 5, `["string_hash","sort_advanced"]`},
	{"suffix_automaton", "后缀自动机", "string", 5, `["string_processing"]`},
	{"ac_automaton", "AC自动机", "string", 5, `["trie","kmp","bfs"]`},
	{"network_flow", "网络流(最大流/费用流)", "graph", 5, `["shortest_path","graph_basic"]`},
	{"bipartite_matching", "二分图匹配", "graph", 5, `["graph_basic","dfs"]`},
	{"dp_probability", "概率DP/期望DP", "dp", 5, `["dp_linear"]`},
	{"game_theory", "博弈论(SG函数)", "math", 5, `["dp_linear"]`},
	{"cdq_divide", "CDQ分治", "ds", 5, `["bit","sort_advanced"]`},
	{"overall_binary", "整体二分", "ds", 5, `["binary_search","bit"]`},
	{"matrix_power", "矩阵快速幂", "math", 5, `["fast_power","dp_linear"]`},
	{"gaussian_elimination", "高斯消元", "math", 5, `["array"]`},

	{"fft_ntt", "多项式(FFT/NTT)", "math", 6, `["fast_power"]`},
	{"advanced_flow", "高级网络流", "graph", 6, `["network_flow"]`},
	{"virtual_tree", "虚树", "ds", 6, `["lca","heavy_light"]`},
	{"sam", "SAM后缀自动机", "string", 6, `["suffix_automaton"]`},
	{"palindrome_automaton", "回文自动机", "string", 6, `["string_processing"]`},
	{"lct", "Link-Cut Tree", "ds", 6, `["balanced_tree"]`},
	{"dp_plug", "插头DP", "dp", 6, `["dp_bitmask"]`},
	{"cactus_graph", "仙人掌图", "graph", 6, `["tarjan_scc"]`},
	{"du_sieve", "杜教筛", "math", 6, `["number_theory_basic"]`},
	{"min25_sieve", "Min-25筛", "math", 6, `["number_theory_basic"]`},
	{"computational_geometry", "高级计算几何", "math", 6, ""},
}

// SeedTags inserts the canonical tag catalogue. Existing names are left untouched,
// so it is safe to run on every startup.
func SeedTags(db *gorm.DB) error {
	tags := make([]models.Tag, 0, len(canonicalTags))
	for _, t := range canonicalTags {
		tag := models.Tag{
			Name:        t.name,
			DisplayName: t.display,
			Category:    t.category,
			Stage:       t.stage,
		}
		if t.prereq != "" {
			tag.PrerequisiteTags = datatypes.JSON(t.prereq)
		}
		tags = append(tags, tag)
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&tags)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		zap.S().Infof("seeded %d canonical tags", result.RowsAffected)
	}
	return nil
}
