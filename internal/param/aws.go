package param

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/samber/do"
)

// ParameterStoreFetcher reads every parameter under a path; each value is a
// "name|path" pair. Entries are ordered by parameter name.
type ParameterStoreFetcher struct {
	client ssm.GetParametersByPathAPIClient
}

func NewParameterStoreFetcher(i *do.Injector) (Fetcher, error) {
	return &ParameterStoreFetcher{client: do.MustInvoke[*ssm.Client](i)}, nil
}

func (f *ParameterStoreFetcher) Fetch(ctx context.Context, path string) ([]Entry, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("parameter store").With("path", path)
	log.Info("fetching all parameters")

	pager := ssm.NewGetParametersByPathPaginator(f.client, &ssm.GetParametersByPathInput{
		Path:           aws.String(path),
		WithDecryption: aws.Bool(true),
	})

	var params []types.Parameter
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("get parameters by path: %w", err)
		}
		params = append(params, page.Parameters...)
	}
	if len(params) == 0 {
		return nil, ErrEmptyTable
	}

	sort.SliceStable(params, func(a, b int) bool {
		return aws.ToString(params[a].Name) < aws.ToString(params[b].Name)
	})

	entries := make([]Entry, 0, len(params))
	for _, p := range params {
		entry, err := ParseEntry(aws.ToString(p.Value))
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", aws.ToString(p.Name), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
