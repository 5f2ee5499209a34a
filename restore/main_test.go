// Copyright 2021 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package restore

import (
	"fmt"
	"os"
	"testing"

	"go.uber.org/goleak"

	"github.com/pingcap/loader/log"
)

func TestMain(m *testing.M) {
	err := log.InitAppLogger(&log.Config{
		Level:  "warn",
		File:   "",
		Format: "text",
	})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "fail to init logger: %v\n", err)
		os.Exit(1)
	}

	goleak.VerifyTestMain(m)
}
