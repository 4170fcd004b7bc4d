/*
   Copyright The Modelkit Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package download

import (
	"context"
	"fmt"
	"net/http"
)

// request is an immutable transfer request descriptor: method, url and
// optional byte offset with its resume validator.
type request struct {
	method    string
	url       string
	offset    int64
	validator string
}

func newRangeRequest(url string, offset int64, validator string) request {
	return request{
		method:    http.MethodGet,
		url:       url,
		offset:    offset,
		validator: validator,
	}
}

func (r request) toHTTP(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, nil)
	if err != nil {
		return nil, err
	}
	if r.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", r.offset))
		if r.validator != "" {
			req.Header.Set("If-Range", r.validator)
		}
	}
	return req, nil
}
