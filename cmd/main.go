// Copyright 2025 The Libra Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"

	"github.com/libradev/libra/cmd/libra"
	"github.com/libradev/libra/cmd/libra/shared"
	"github.com/libradev/libra/cmd/types"
	"github.com/libradev/libra/internal/logging"
)

func run(ctx context.Context) int {
	root, err := libra.NewLibraCmd()
	if err != nil {
		shared.PrintError(err)
		return shared.ExitGeneric
	}
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		shared.PrintError(err)
		return shared.ExitCode(err)
	}
	return shared.ExitOK
}

func main() {
	logger := logging.NewNoopLogger()
	ctx := context.WithValue(context.Background(), types.CtxLogger, logger)
	os.Exit(run(ctx))
}
