package tagmap

import (
	"testing"

	"github.com/ZJUSCT/OJTrack/internal/database/dbtest"
)

func names(t *testing.T, m *Mapper, in ...string) []string {
	t.Helper()
	tags, err := m.Map(in)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, tag := range tags {
		out = append(out, tag.Name)
	}
	return out
}

func TestMap(t *testing.T) {
	db := dbtest.New(t)

	tests := []struct {
		name     string
		platform string
		in       []string
		want     []string
	}{
		{"one to many", "luogu", []string{"排序"}, []string{"sort_basic", "sort_advanced"}},
		{"duplicates collapse", "luogu", []string{"排序", "排序"}, []string{"sort_basic", "sort_advanced"}},
		{"overlapping entries", "luogu", []string{"搜索", "DFS"}, []string{"dfs", "bfs"}},
		{"unknown dropped", "luogu", []string{"不存在的标签"}, nil},
		{"internal name", "bbcoj", []string{" union_find "}, []string{"union_find"}},
		{"display name", "ctoj", []string{"前缀和"}, []string{"prefix_sum"}},
		{"no dictionary", "ybt", []string{"模拟", ""}, []string{"simulation"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(t, New(db, tt.platform), tt.in...)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestMapperCachesLookups(t *testing.T) {
	db := dbtest.New(t)
	m := New(db, "luogu")
	if got := names(t, m, "模拟"); len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	if err := db.Exec("DELETE FROM tags").Error; err != nil {
		t.Fatal(err)
	}
	if got := names(t, m, "模拟"); len(got) != 1 {
		t.Errorf("cached lookup lost: %v", got)
	}
}
